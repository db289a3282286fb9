package announcer

import (
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

const (
	isoBlockSize  = 2048
	isoStandardID = "CD001"
	// volumeIDOffset is the primary volume descriptor's volume_id field
	// offset within its sector: type(1) + id(5) + version(1) + unused(1)
	// + system_id(32).
	volumeIDOffset = 40
	volumeIDLen    = 32

	genericCDLabel = "CDrom"
)

// readVolumeID linearly probes sectors 16..100 of dev for a primary
// volume descriptor and returns its right-trimmed volume id, falling
// back to the generic label on any I/O error or if no descriptor is
// found, mirroring add_cdrom_data's sector scan. It opens dev itself
// rather than reusing an already-open drive-status fd, matching the
// legacy source's note that reusing that fd produced spurious block
// errors.
func readVolumeID(dev string, log logrus.FieldLogger) string {
	f, err := os.OpenFile(dev, os.O_RDONLY, 0)
	if err != nil {
		log.WithError(err).WithField("device", dev).Warn("open for volume id read failed")
		return genericCDLabel
	}
	defer f.Close()

	buf := make([]byte, isoBlockSize)
	for sector := 16; sector < 100; sector++ {
		if _, err := f.Seek(int64(sector)*isoBlockSize, 0); err != nil {
			log.WithError(err).WithField("device", dev).Warn("seek error reading volume descriptor")
			return genericCDLabel
		}
		if _, err := f.Read(buf); err != nil {
			log.WithError(err).WithField("device", dev).Warn("read error reading volume descriptor")
			return genericCDLabel
		}
		if string(buf[1:6]) != isoStandardID {
			continue
		}
		id := string(buf[volumeIDOffset : volumeIDOffset+volumeIDLen])
		return strings.TrimRight(id, " ")
	}
	return genericCDLabel
}
