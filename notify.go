package ethnl

import (
	"github.com/mdlayher/genetlink"
	"github.com/mdlayher/netlink"
)

// An Event is one message broadcast on the monitor multicast group,
// either a change notification or a device lifecycle event. Seq is the
// broadcast sequence number; consecutive events carry consecutive
// values, so a consumer can detect lost messages.
type Event struct {
	Seq     uint32
	Message genetlink.Message
}

// Subscribe attaches a consumer to the monitor multicast group. Events
// are delivered best-effort: a consumer whose channel is full misses
// the event, like a netlink socket with a full receive buffer. The
// returned function cancels the subscription.
func (s *Server) Subscribe(buffer int) (<-chan Event, func()) {
	ch := make(chan Event, buffer)

	s.subMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch
	s.subMu.Unlock()

	cancel := func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		if _, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(ch)
		}
	}
	return ch, cancel
}

// broadcastLocked assigns the next broadcast sequence number to msg and
// fans it out to every subscriber. The caller holds s.mu, which is what
// keeps the sequence numbers gapless and ordered.
func (s *Server) broadcastLocked(msg genetlink.Message) {
	s.bcastSeq++
	ev := Event{Seq: s.bcastSeq, Message: msg}

	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- ev:
		default:
			// Consumer is not keeping up; drop.
		}
	}
}

// notifyChange broadcasts a change notification for dev after SET
// command cmd modified the aspects in mask. The notification body is
// generated by the GET pipeline of the corresponding request, with the
// mask as its info mask and compact bitsets. The caller holds s.mu.
func (s *Server) notifyChange(dev *Device, cmd uint8, mask uint32) {
	if int(cmd)-1 < 0 || int(cmd)-1 >= len(getRequests) {
		return
	}
	ops := getRequests[cmd-1]
	if ops == nil || ops.replyCmd != cmd {
		s.warnOnce("notify-ops", "no GET descriptor for notification",
			"command", cmd)
		return
	}

	st := ops.newState()
	c := st.common()
	c.req.dev = dev
	c.req.reqMask = mask
	c.req.compact = true
	st.reset()
	c.rep.dev = dev

	if cl, ok := st.(cleaner); ok {
		defer cl.cleanup()
	}

	msg, err := s.fillGetReply(ops, st, nil)
	if err != nil {
		// Notifications are best-effort; a driver refusing the GET
		// right after accepting the SET is not worth failing over.
		s.logger.Debug("dropping change notification",
			"command", cmd, "err", err)
		return
	}

	s.broadcastLocked(*msg)
}

// deviceEvent broadcasts a lifecycle event for dev on the monitor
// group. It is registered as a Registry watcher and runs without s.mu.
func (s *Server) deviceEvent(ev DeviceEvent, dev *Device) {
	var typ uint16
	switch ev {
	case DeviceRegistered:
		typ = AttrEventNewdev
	case DeviceUnregistered:
		typ = AttrEventDeldev
	case DeviceRenamed:
		typ = AttrEventRenamedev
	default:
		return
	}

	ae := netlink.NewAttributeEncoder()
	ae.Nested(typ, func(nae *netlink.AttributeEncoder) error {
		putDeviceIdent(nae, attrEventDev, dev)
		return nil
	})
	b, err := ae.Encode()
	if err != nil {
		return
	}

	msg := genetlink.Message{
		Header: genetlink.Header{
			Command: CommandEvent,
			Version: FamilyVersion,
		},
		Data: b,
	}

	s.mu.Lock()
	s.broadcastLocked(msg)
	s.mu.Unlock()
}
