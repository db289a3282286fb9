package announcer

import (
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
)

// dispatchSubscriberLine parses one complete line from a subscriber
// connection, mirroring dispatch_server_request's Register and
// EnumerateDevices commands. Anything else is logged and dropped without
// a reply, matching the legacy source's "accepts but does not reply to
// unrecognized commands" behavior.
func (a *Announcer) dispatchSubscriberLine(s *Subscriber, line string) {
	fields := splitFields(line)
	if len(fields) == 0 {
		return
	}
	cmd, args := fields[0], fields[1:]

	switch strings.ToLower(cmd) {
	case "register":
		a.registerSubscriber(s, args)
	case "enumeratedevices":
		a.enumerateDevices(s, args)
	default:
		a.log.WithField("line", line).Debug("unrecognized subscriber command")
	}
}

// registerSubscriber handles "Register|msgid|userid|username". The
// caller's msgid is only used to validate the record shape; registration
// itself carries no reply.
func (a *Announcer) registerSubscriber(s *Subscriber, args []string) {
	if len(args) != 3 {
		a.log.WithField("addr", s.RemoteAddr).Warn(
			"Register: expected msgid|userid|username")
		return
	}

	userID, _ := strconv.Atoi(args[1])
	s.Registered = true
	s.UserID = userID
	s.Username = args[2]

	a.log.WithFields(logrus.Fields{"user_id": s.UserID, "username": s.Username}).
		Info("subscriber registered")
}

// enumerateDevices handles "EnumerateDevices|msgid": one AddBlockDevice
// line per currently-present device, CD-ROMs included only when media is
// present. Every line in the reply echoes the caller-supplied msgid, so
// the whole batch shares one correlation id with the request that asked
// for it.
func (a *Announcer) enumerateDevices(s *Subscriber, args []string) {
	msgID := a.nextMsgID()
	if len(args) >= 1 {
		if v, err := strconv.Atoi(args[0]); err == nil {
			msgID = v
		}
	}

	for _, d := range a.devices.List() {
		if d.Kind == KindCDROM && !d.MediaPresent {
			continue
		}
		if err := writeAddBlockDevice(s, msgID, d); err != nil {
			a.dropSubscriber(s)
			return
		}
	}
}
