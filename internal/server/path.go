package server

import (
	"fmt"
	"path/filepath"
	"strings"
)

// PathMax mirrors the legacy server's PATH_MAX buffer size. get_fn there
// copies the mountpoint into a PATH_MAX-sized buffer and decodes the
// caller's path into whatever room is left after it
// (xdr_string(in, &pathptr, PATH_MAX-mpl)), so a raw path longer than
// PathMax-len(mountpoint) could never have been decoded by the original
// and is rejected here the same way.
const PathMax = 4096

// ResolvePath joins raw onto the session's mountpoint and rejects any
// result that escapes it. Prepending the mountpoint by plain string
// concatenation is only safe if ".." components that climb above it are
// rejected; this is that check.
func (s *Session) ResolvePath(raw string) (string, error) {
	if s.Mountpoint == "" {
		return "", fmt.Errorf("resolve path: no mountpoint bound")
	}

	if limit := PathMax - len(s.Mountpoint); len(raw) > limit {
		return "", fmt.Errorf("resolve path: %q exceeds PATH_MAX-mountpoint limit of %d bytes", raw, limit)
	}

	joined := filepath.Join(s.Mountpoint, raw)
	clean := filepath.Clean(joined)

	rel, err := filepath.Rel(s.Mountpoint, clean)
	if err != nil {
		return "", fmt.Errorf("resolve path: %w", err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("resolve path: %q escapes mountpoint %q", raw, s.Mountpoint)
	}

	return clean, nil
}
