package ethnl

import (
	"github.com/mdlayher/genetlink"
	"github.com/mdlayher/netlink"
	"github.com/mdlayher/netlink/nlenc"
	"golang.org/x/sys/unix"
)

// A Request is a single request message handed to the engine by a
// transport.
type Request struct {
	// Header is the generic netlink header of the request; its Command
	// selects the operation.
	Header genetlink.Header

	// Data is the attribute payload of the request.
	Data []byte

	// Privileged reports whether the transport authenticated the sender
	// with administrative rights. SET requests require it; some reply
	// attributes are only disclosed when it is set.
	Privileged bool
}

// A Reply is the engine's answer to a successful request. SET requests
// produce a Reply with a zero Message; the transport acknowledges them
// without a payload.
type Reply struct {
	// Message is the reply message, if the request produces one.
	Message genetlink.Message

	// Warning is an extended acknowledgement message attached to a
	// successful reply, such as when only part of the requested data
	// could be retrieved.
	Warning string
}

// An opCtx carries per-invocation reporting state. It is nil in dump
// iterations and notification paths, which report no warnings.
type opCtx struct {
	warning string
}

// warnPartial records that a reply carries less data than requested.
func (c *opCtx) warnPartial() {
	if c != nil && c.warning == "" {
		c.warning = "not all requested data could be retrieved"
	}
}

// reqInfo is the stable region of per-request state, parsed once and
// reused unchanged across every device of a dump.
type reqInfo struct {
	// dev is the resolved device, with a reference held, or nil.
	dev *Device

	// reqMask selects the aspects the request asked for.
	reqMask uint32

	// compact selects compact bitset encoding in the reply.
	compact bool

	// privileged mirrors Request.Privileged; notifications are never
	// privileged.
	privileged bool
}

// replyData is the volatile region of per-request state, reset before
// each device a reply is generated for.
type replyData struct {
	// dev is the device the current reply describes.
	dev *Device

	// infoMask is reqMask reduced to the aspects the device could
	// actually provide.
	infoMask uint32
}

// commonState is the prefix every GET request state embeds, giving the
// engine uniform access to the stable and volatile state regions.
type commonState struct {
	req reqInfo
	rep replyData
}

func (c *commonState) common() *commonState { return c }

// A getState holds the full per-request state of one GET request kind
// and implements its four pipeline stages. parseRequest runs without
// the Server's lock; prepareData, replySize and fillReply run under it.
// replySize must return an upper bound on the attribute payload
// fillReply will produce for the current device.
type getState interface {
	common() *commonState

	// reset clears the volatile state region before a device is
	// processed, leaving the parsed request intact.
	reset()

	parseRequest(s *Server, req *Request, ctx *opCtx) error
	prepareData(s *Server, ctx *opCtx) error
	replySize() (int, error)
	fillReply(ae *netlink.AttributeEncoder) error
}

// A cleaner is a getState holding resources to release once the request
// completes.
type cleaner interface {
	cleanup()
}

// getRequestOps describes one GET request kind: its command pair, the
// attribute type of its device identification nest, and the constructor
// of its state.
type getRequestOps struct {
	requestCmd uint8
	replyCmd   uint8
	devAttr    uint16

	// allowNoDevDo permits doit requests without a device nest.
	allowNoDevDo bool

	newState func() getState
}

// getRequests maps request commands to their GET descriptors. Change
// notifications rely on the reply command of descriptor i being i+1.
var getRequests = [commandCount]*getRequestOps{
	CommandGetStrset:   &strsetRequestOps,
	CommandGetSettings: &settingsRequestOps,
	CommandGetParams:   &paramsRequestOps,
}

// parseGetRequest parses the common header attributes of a settings or
// params style GET request: device nest, info mask and compact flag.
// The device nest is only resolved when ctx is non-nil; dumps walk all
// devices and ignore it. A zero or absent info mask means allMask.
func (c *commonState) parseGetRequest(s *Server, req *Request, ctx *opCtx, p policy, devAttr, maskAttr, compactAttr uint16, allMask uint32) error {
	tb, err := parseAttrs(req.Data, p)
	if err != nil {
		return err
	}

	if ctx != nil {
		if nest, ok := tb.get(devAttr); ok {
			dev, err := s.resolveDevice(nest, ok, devAttr)
			if err != nil {
				return err
			}
			c.req.dev = dev
		}
	}

	mask, _ := tb.uint32(maskAttr)
	if mask&^allMask != 0 {
		return errAttr(unix.EINVAL, maskAttr, "info mask contains unknown bits")
	}
	if mask == 0 {
		mask = allMask
	}
	c.req.reqMask = mask
	c.req.compact = tb.flag(compactAttr)
	c.req.privileged = req.Privileged

	return nil
}

// Attribute merge helpers for SET requests. Each applies one attribute
// to the current driver value, reporting whether it changed anything.

func updateU32(dst *uint32, l attrList, typ uint16) bool {
	b, ok := l.get(typ)
	if !ok {
		return false
	}
	v := nlenc.Uint32(b)
	if v == *dst {
		return false
	}
	*dst = v
	return true
}

func updateU8(dst *uint8, l attrList, typ uint16) bool {
	b, ok := l.get(typ)
	if !ok {
		return false
	}
	if b[0] == *dst {
		return false
	}
	*dst = b[0]
	return true
}

// updateBool merges a u8 attribute into a bool field, any nonzero byte
// meaning true.
func updateBool(dst *bool, l attrList, typ uint16) bool {
	b, ok := l.get(typ)
	if !ok {
		return false
	}
	v := b[0] != 0
	if v == *dst {
		return false
	}
	*dst = v
	return true
}

// updateBitfield32 merges a bitfield32 attribute into dst: selected
// bits take the attribute's value, unselected bits are preserved.
func updateBitfield32(dst *uint32, l attrList, typ uint16) bool {
	b, ok := l.get(typ)
	if !ok {
		return false
	}
	value := nlenc.Uint32(b[0:4])
	selector := nlenc.Uint32(b[4:8])

	v := (*dst &^ selector) | (value & selector)
	if v == *dst {
		return false
	}
	*dst = v
	return true
}
