// Command lbusd is the workstation device announcer: it listens on TCP
// for subscribed login-server sessions and on a named pipe for hotplug
// events, polls CD-ROM drives for media changes, and fans out
// AddBlockDevice / RemoveDevice text records to every subscriber.
package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/ltsp-project/ltspfs/internal/announcer"
)

const version = "lbusd 1.0"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		port      int
		debug     bool
		noDaemon  bool
		showVersn bool
		pipePath  string
	)

	cmd := &cobra.Command{
		Use:   "lbusd",
		Short: "Workstation device announcer for LTSP remote device sharing",
		RunE: func(cmd *cobra.Command, args []string) error {
			if showVersn {
				fmt.Fprintln(os.Stderr, version)
				return nil
			}
			return run(port, debug, noDaemon, pipePath)
		},
	}

	flags := cmd.Flags()
	flags.IntVarP(&port, "port", "p", 9202, "TCP port to listen on")
	flags.BoolVarP(&debug, "debug", "d", false, "enable debug logging")
	flags.BoolVarP(&noDaemon, "nodaemon", "n", false, "do not daemonize")
	flags.BoolVarP(&showVersn, "version", "v", false, "display version")
	flags.StringVar(&pipePath, "fifo", "/tmp/lbus.fifo", "hotplug event fifo path")

	return cmd
}

// run wires up the listening socket and pipe and hands them to the
// announcer's event loop. noDaemon is accepted for CLI compatibility
// with the legacy source; this port never forks to the background on its
// own, leaving backgrounding to whatever process supervisor starts it.
func run(port int, debug, noDaemon bool, pipePath string) error {
	log := newLogger(debug)

	listenFD, err := announcer.Listen(port)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	pipeFD, err := announcer.OpenPipe(pipePath)
	if err != nil {
		return fmt.Errorf("open pipe: %w", err)
	}

	log.WithField("port", port).WithField("fifo", pipePath).Info("lbusd listening")

	a := announcer.New(log)
	return a.Run(listenFD, pipeFD, pipePath)
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
