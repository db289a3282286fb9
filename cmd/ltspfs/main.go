// Command ltspfs is the server-side FUSE client: it dials a terminal's
// file server, authenticates via X11 display cookie, sends MOUNT, and
// mounts the share locally, translating every VFS callback into a wire
// round trip for as long as the mount stays up.
package main

import (
	"context"
	"fmt"
	stdlog "log"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/jacobsa/fuse"

	"github.com/ltsp-project/ltspfs/internal/fsclient"
	"github.com/ltsp-project/ltspfs/internal/wire"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		skipAuth     bool
		debug        bool
		readOnly     bool
		pingInterval time.Duration
	)

	cmd := &cobra.Command{
		Use:   "ltspfs host:/remote-dir local-mountpoint",
		Short: "Mount a terminal's remote device share over FUSE",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(args[0], args[1], skipAuth, debug, readOnly, pingInterval)
		},
	}

	flags := cmd.Flags()
	flags.BoolVarP(&skipAuth, "skip-auth", "a", false, "skip X11 authentication (local testing only)")
	flags.BoolVarP(&debug, "debug", "d", false, "enable FUSE debug logging")
	flags.BoolVarP(&readOnly, "read-only", "r", false, "mount read-only")
	flags.DurationVar(&pingInterval, "ping-interval", fsclient.DefaultPingInterval, "keepalive ping interval")

	return cmd
}

func run(remote, mountpoint string, skipAuth, debug, readOnly bool, pingInterval time.Duration) error {
	log := newLogger(debug)

	host, remoteDir, err := splitRemote(remote)
	if err != nil {
		return err
	}

	conn, err := wire.Dial(host)
	if err != nil {
		return fmt.Errorf("dial %s: %w", host, err)
	}

	fatalCh := make(chan error, 1)
	onFatal := func(err error) {
		select {
		case fatalCh <- err:
		default:
		}
	}

	client := fsclient.NewClient(conn, log, onFatal)

	if !skipAuth {
		if err := fsclient.Authenticate(client); err != nil {
			conn.Close()
			return fmt.Errorf("authenticate: %w", err)
		}
	}

	if err := fsclient.Mount(client, remoteDir); err != nil {
		conn.Close()
		return fmt.Errorf("mount %s: %w", remoteDir, err)
	}

	if err := os.MkdirAll(mountpoint, 0777); err != nil {
		return fmt.Errorf("create mountpoint: %w", err)
	}

	stopPinger := fsclient.StartPinger(context.Background(), client, pingInterval, onFatal)
	defer stopPinger()

	server := fsclient.New(client, log)

	cfg := &fuse.MountConfig{
		ReadOnly:    readOnly,
		ErrorLogger: stdlog.New(log.WriterLevel(logrus.ErrorLevel), "", 0),
	}
	if debug {
		cfg.DebugLogger = stdlog.New(log.WriterLevel(logrus.DebugLevel), "", 0)
	}

	mfs, err := fuse.Mount(mountpoint, server, cfg)
	if err != nil {
		return fmt.Errorf("mount: %w", err)
	}

	go func() {
		err := <-fatalCh
		log.WithError(err).Error("transport lost, unmounting")
		if err := mfs.Unmount(); err != nil {
			log.WithError(err).Error("unmount after transport loss")
		}
	}()

	if err := mfs.Join(context.Background()); err != nil {
		return fmt.Errorf("join: %w", err)
	}
	return nil
}

func splitRemote(remote string) (host, dir string, err error) {
	parts := strings.SplitN(remote, ":", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("malformed remote %q, want host:/dir", remote)
	}
	return parts[0], parts[1], nil
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
