// Command ltspfsd is the terminal-side file server: it accepts a
// connection from the login server, authenticates it via an X11 display
// cookie, binds a mountpoint, and serves filesystem opcodes against a
// sub-tree of the local filesystem.
package main

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/ltsp-project/ltspfs/internal/server"
	"github.com/ltsp-project/ltspfs/internal/wire"
)

// workerFDEnv, when set in a child's environment, names the fd (inherited
// across ForkExec) carrying an already-accepted connection. Its presence
// turns this same binary into a one-shot connection worker instead of a
// fresh listener, the Go analogue of the legacy source's post-fork child
// branch (Go cannot continue a forked process without exec, so the
// process-per-connection model here is fork+exec+inherited-fd instead of
// a bare fork).
const workerFDEnv = "LTSPFSD_WORKER_FD"

func main() {
	if fdStr, ok := os.LookupEnv(workerFDEnv); ok {
		os.Exit(runWorker(fdStr))
	}
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		readOnly bool
		skipAuth bool
		debug    bool
		port     int
	)

	cmd := &cobra.Command{
		Use:   "ltspfsd",
		Short: "Terminal-side file server for LTSP remote device sharing",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(readOnly, skipAuth, debug, port)
		},
	}

	flags := cmd.Flags()
	flags.BoolVarP(&readOnly, "read-only", "r", false, "reject write-mode opens")
	flags.BoolVarP(&skipAuth, "skip-auth", "a", false, "skip X11 authentication (local testing only)")
	flags.BoolVarP(&debug, "debug", "d", false, "run in the foreground, handling connections as goroutines instead of forking")
	flags.IntVar(&port, "port", wire.DefaultServerPort, "listening TCP port")

	return cmd
}

// runWorker is the child-process entry point: it owns exactly one
// inherited connection for its lifetime, then exits.
func runWorker(fdStr string) int {
	log := newLogger(os.Getenv("LTSPFSD_DEBUG") == "1")
	fd, err := strconv.Atoi(fdStr)
	if err != nil {
		log.WithError(err).Error("malformed worker fd")
		return 1
	}

	f := os.NewFile(uintptr(fd), "ltspfsd-worker-conn")
	conn, err := net.FileConn(f)
	if err != nil {
		log.WithError(err).Error("adopt worker connection")
		return 1
	}
	f.Close()

	readOnly := os.Getenv("LTSPFSD_READ_ONLY") == "1"
	skipAuth := os.Getenv("LTSPFSD_SKIP_AUTH") == "1"
	server.Serve(conn, log, readOnly, skipAuth)
	return 0
}

func run(readOnly, skipAuth, debug bool, port int) error {
	log := newLogger(debug)

	listener, err := wire.Listen(port)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	defer listener.Close()

	log.WithField("port", port).WithField("debug", debug).Info("ltspfsd listening")

	if !debug {
		installSignalHandlers(log)
	}

	var wg sync.WaitGroup
	for {
		conn, err := listener.Accept()
		if err != nil {
			log.WithError(err).Error("accept failed")
			return err
		}

		if debug {
			wg.Add(1)
			go func() {
				defer wg.Done()
				server.Serve(conn, log, readOnly, skipAuth)
			}()
			continue
		}

		if err := forkConnectionWorker(conn, readOnly, skipAuth, debug); err != nil {
			log.WithError(err).Error("fork connection worker failed")
			conn.Close()
		}
	}
}

// forkConnectionWorker hands the just-accepted connection to a freshly
// forked+exec'd child running this same binary in worker mode, matching
// the legacy source's "accept loop forking per connection" process
// model: the parent returns immediately to accept the next connection.
func forkConnectionWorker(conn net.Conn, readOnly, skipAuth, debug bool) error {
	tc, ok := conn.(*net.TCPConn)
	if !ok {
		return fmt.Errorf("forkConnectionWorker: connection is not a *net.TCPConn")
	}

	f, err := tc.File()
	if err != nil {
		return fmt.Errorf("dup connection fd: %w", err)
	}
	defer f.Close()
	defer conn.Close()

	env := os.Environ()
	env = append(env, fmt.Sprintf("%s=3", workerFDEnv))
	if readOnly {
		env = append(env, "LTSPFSD_READ_ONLY=1")
	}
	if skipAuth {
		env = append(env, "LTSPFSD_SKIP_AUTH=1")
	}
	if debug {
		env = append(env, "LTSPFSD_DEBUG=1")
	}

	pid, err := syscall.ForkExec(os.Args[0], os.Args, &syscall.ProcAttr{
		Env:   env,
		Files: []uintptr{0, 1, 2, f.Fd()},
	})
	if err != nil {
		return fmt.Errorf("forkexec: %w", err)
	}
	logrus.WithField("pid", pid).Debug("forked connection worker")
	return nil
}

func installSignalHandlers(log logrus.FieldLogger) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGCHLD, syscall.SIGTERM)
	go func() {
		for sig := range sigs {
			switch sig {
			case syscall.SIGCHLD:
				for {
					var status syscall.WaitStatus
					pid, err := syscall.Wait4(-1, &status, syscall.WNOHANG, nil)
					if pid <= 0 || err != nil {
						break
					}
				}
			case syscall.SIGTERM:
				log.Info("received SIGTERM, shutting down")
				os.Exit(0)
			}
		}
	}()
}

func newLogger(debug bool) *logrus.Logger {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if debug {
		log.SetLevel(logrus.DebugLevel)
	} else {
		log.SetLevel(logrus.InfoLevel)
	}
	return log
}
