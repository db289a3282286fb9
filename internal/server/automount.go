package server

import (
	"errors"
	"io/fs"
	"os/exec"
)

const (
	mountHelper  = "/sbin/ltspfs_mount"
	umountHelper = "/sbin/ltspfs_umount"
)

// Automount invokes the external mount helper, exactly as the legacy
// source's am_mount does: skip silently if already mounted or if the
// helper binary is absent, since its absence is not an error.
func Automount(s *Session) {
	if s.Mounted {
		return
	}
	runHelper(s, mountHelper, s.Mountpoint)
	s.Mounted = true
}

// Autounmount invokes the external unmount helper.
func Autounmount(s *Session) {
	if !s.Mounted {
		return
	}
	runHelper(s, umountHelper, s.Mountpoint)
	s.Mounted = false
}

func runHelper(s *Session, path string, arg string) {
	cmd := exec.Command(path, arg)
	out, err := cmd.CombinedOutput()
	if err != nil {
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist) {
			s.Log.WithField("helper", path).Debug("automount helper not present, skipping")
			return
		}
		s.Log.WithField("helper", path).WithError(err).WithField("output", string(out)).
			Debug("automount helper failed")
		return
	}
	s.Log.WithField("helper", path).WithField("output", string(out)).Debug("automount helper ran")
}
