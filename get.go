package ethnl

import (
	"io"

	"github.com/mdlayher/genetlink"
	"github.com/mdlayher/netlink"
	"golang.org/x/sys/unix"
)

// Do handles a single request message and returns its reply. All
// driver access happens under the Server's lock; any device resolved
// for the request is released before Do returns. Errors are *Error
// values carrying the errno and extended acknowledgement for the
// transport to report.
func (s *Server) Do(req Request) (*Reply, error) {
	cmd := req.Header.Command
	if int(cmd) < len(getRequests) && getRequests[cmd] != nil {
		return s.getDoit(getRequests[cmd], &req)
	}
	if int(cmd) < len(setRequests) && setRequests[cmd] != nil {
		if !req.Privileged {
			return nil, errMsg(unix.EPERM, "operation requires administrative privileges")
		}
		if err := setRequests[cmd](s, &req); err != nil {
			return nil, err
		}
		return &Reply{}, nil
	}

	s.warnOnce("unknown-cmd", "request for unknown command", "cmd", cmd)
	return nil, errMsg(unix.EOPNOTSUPP, "unknown command")
}

func (s *Server) getDoit(ops *getRequestOps, req *Request) (*Reply, error) {
	st := ops.newState()
	c := st.common()
	ctx := &opCtx{}

	defer func() {
		if cl, ok := st.(cleaner); ok {
			cl.cleanup()
		}
		if c.req.dev != nil {
			c.req.dev.put()
		}
	}()

	if err := st.parseRequest(s, req, ctx); err != nil {
		return nil, err
	}
	if c.req.dev == nil && !ops.allowNoDevDo {
		return nil, errAttr(unix.EINVAL, ops.devAttr, "device not specified in do request")
	}

	st.reset()
	c.rep.dev = c.req.dev

	s.mu.Lock()
	msg, err := s.fillGetReply(ops, st, ctx)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	return &Reply{Message: *msg, Warning: ctx.warning}, nil
}

// fillGetReply runs the prepare, size and fill stages for the device in
// the state's reply region and encodes the reply message. The caller
// holds the Server's lock.
func (s *Server) fillGetReply(ops *getRequestOps, st getState, ctx *opCtx) (*genetlink.Message, error) {
	if err := st.prepareData(s, ctx); err != nil {
		return nil, err
	}

	size, err := st.replySize()
	if err != nil {
		return nil, err
	}
	size += devIdentSize()

	ae := netlink.NewAttributeEncoder()
	if dev := st.common().rep.dev; dev != nil {
		putDeviceIdent(ae, ops.devAttr, dev)
	}
	if err := st.fillReply(ae); err != nil {
		return nil, err
	}

	b, err := ae.Encode()
	if err != nil {
		if eerr, ok := err.(*Error); ok {
			return nil, eerr
		}
		return nil, errMsg(unix.EINVAL, "failed to encode reply")
	}

	// replySize promises an upper bound; a reply outgrowing it is an
	// engine bug, not a request error.
	if len(b) > size {
		s.warnOnce("reply-size",
			"calculated reply size too small",
			"command", ops.replyCmd, "calculated", size, "encoded", len(b))
		return nil, errMsg(unix.EMSGSIZE, "calculated reply size too small")
	}

	return &genetlink.Message{
		Header: genetlink.Header{
			Command: ops.replyCmd,
			Version: FamilyVersion,
		},
		Data: b,
	}, nil
}

// A Dump is an in-progress dump request, producing one reply message
// per registered device across as many batches as the transport's
// buffer size requires.
type Dump struct {
	s   *Server
	ops *getRequestOps
	st  getState

	bucket, index int
	gen           uint32
	done          bool
}

// DumpStart parses a dump request and returns its iterator. Device
// identification in a dump request is ignored; the dump walks every
// registered device.
func (s *Server) DumpStart(req Request) (*Dump, error) {
	cmd := req.Header.Command
	if int(cmd) >= len(getRequests) || getRequests[cmd] == nil {
		return nil, errMsg(unix.EOPNOTSUPP, "unknown command")
	}
	ops := getRequests[cmd]

	st := ops.newState()
	if err := st.parseRequest(s, &req, nil); err != nil {
		return nil, err
	}

	return &Dump{
		s:   s,
		ops: ops,
		st:  st,
		gen: s.registry.Generation(),
	}, nil
}

// Next produces the next batch of reply messages, filling at most limit
// bytes of attribute payload (0 means no limit). Devices which do not
// support the requested operation are skipped. Once all devices have
// been walked, Next returns io.EOF.
//
// A device whose reply does not fit the remaining budget is deferred to
// the next batch; a failure on a device after others already produced
// replies ends the batch and surfaces on the following call.
func (d *Dump) Next(limit int) ([]genetlink.Message, error) {
	if d.done {
		return nil, io.EOF
	}

	var (
		msgs  []genetlink.Message
		total int
	)
	for h := d.bucket; h < registryBuckets; h++ {
		start := 0
		if h == d.bucket {
			start = d.index
		}

		devs := d.s.registry.bucketDevices(h)
		for i := start; i < len(devs); i++ {
			b, err := d.s.dumpOne(d.ops, d.st, devs[i])
			if err != nil {
				if isNotSupported(err) {
					continue
				}
				if len(msgs) > 0 {
					// Let this batch through; the error repeats when the
					// cursor reaches this device again.
					d.bucket, d.index = h, i
					d.gen = d.s.registry.Generation()
					return msgs, nil
				}
				return nil, err
			}

			if limit > 0 && total+len(b) > limit {
				if len(msgs) == 0 {
					return nil, errMsg(unix.EMSGSIZE, "reply does not fit into dump buffer")
				}
				d.bucket, d.index = h, i
				d.gen = d.s.registry.Generation()
				return msgs, nil
			}

			msgs = append(msgs, genetlink.Message{
				Header: genetlink.Header{
					Command: d.ops.replyCmd,
					Version: FamilyVersion,
				},
				Data: b,
			})
			total += len(b)
		}
		d.index = 0
	}

	d.done = true
	d.gen = d.s.registry.Generation()
	if len(msgs) == 0 {
		return nil, io.EOF
	}
	return msgs, nil
}

// Generation returns the registry generation observed by the most
// recent batch. A caller comparing it against the value before the dump
// started can detect that the device list changed underneath the dump.
func (d *Dump) Generation() uint32 { return d.gen }

// Done releases the dump's resources. It must be called once the dump
// is no longer needed, whether or not it ran to completion.
func (d *Dump) Done() {
	d.done = true
	if cl, ok := d.st.(cleaner); ok {
		cl.cleanup()
	}

	// Dumps resolve no device at parse time and each batch releases
	// its devices before returning.
	c := d.st.common()
	if c.req.dev != nil || c.rep.dev != nil {
		panicf("dump finished with a device reference still held")
	}
}

// dumpOne generates the reply payload for a single device of a dump.
func (s *Server) dumpOne(ops *getRequestOps, st getState, dev *Device) ([]byte, error) {
	c := st.common()
	st.reset()
	c.rep.dev = dev
	dev.hold()
	defer func() {
		c.rep.dev = nil
		dev.put()
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := st.prepareData(s, nil); err != nil {
		return nil, err
	}

	ae := netlink.NewAttributeEncoder()
	putDeviceIdent(ae, ops.devAttr, dev)
	if err := st.fillReply(ae); err != nil {
		return nil, err
	}

	b, err := ae.Encode()
	if err != nil {
		if eerr, ok := err.(*Error); ok {
			return nil, eerr
		}
		return nil, errMsg(unix.EINVAL, "failed to encode reply")
	}

	if size, err := st.replySize(); err == nil && len(b) > size+devIdentSize() {
		s.warnOnce("reply-size",
			"calculated reply size too small",
			"command", ops.replyCmd, "calculated", size, "encoded", len(b))
	}

	return b, nil
}
