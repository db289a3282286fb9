package server

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/xgb"
)

// HandleXauth implements the XAUTH gate: it writes the client-supplied
// X11 authority bytes to a private file, points a probe's authority
// environment at it, and tries opening displays <hostname>:0 through
// <hostname>:11. The first display that opens successfully marks the
// session authenticated. The authority file is always removed before
// returning, regardless of outcome.
func HandleXauth(s *Session, authority []byte) error {
	if s.SkipAuth {
		s.Authenticated = true
		s.Log.Debug("xauth: skip-auth mode, authenticating unconditionally")
		return nil
	}

	dir, err := os.MkdirTemp("", "ltspfsd-xauth-")
	if err != nil {
		return fmt.Errorf("xauth: create temp dir: %w", err)
	}
	defer os.RemoveAll(dir)

	authPath := filepath.Join(dir, "Xauthority")
	f, err := os.OpenFile(authPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("xauth: create authority file: %w", err)
	}
	if _, err := f.Write(authority); err != nil {
		f.Close()
		return fmt.Errorf("xauth: write authority file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("xauth: close authority file: %w", err)
	}

	hostname, err := os.Hostname()
	if err != nil {
		return fmt.Errorf("xauth: hostname: %w", err)
	}

	prevXauthority, hadPrev := os.LookupEnv("XAUTHORITY")
	os.Setenv("XAUTHORITY", authPath)
	defer func() {
		if hadPrev {
			os.Setenv("XAUTHORITY", prevXauthority)
		} else {
			os.Unsetenv("XAUTHORITY")
		}
	}()

	for display := 0; display <= 11; display++ {
		spec := fmt.Sprintf("%s:%d", hostname, display)
		conn, err := xgb.NewConnDisplay(spec)
		if err != nil {
			s.Log.WithField("display", spec).WithError(err).Debug("xauth: display open failed")
			continue
		}
		conn.Close()
		s.Authenticated = true
		s.Log.WithField("display", spec).Debug("xauth: display opened, session authenticated")
		return nil
	}

	return fmt.Errorf("xauth: no display 0..11 on %s opened with the supplied authority", hostname)
}
