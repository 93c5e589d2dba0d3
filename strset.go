package ethnl

import (
	"github.com/mdlayher/netlink"
	"golang.org/x/sys/unix"
)

// A StringSetID identifies one string set of the catalog.
type StringSetID uint32

// Possible StringSetID values. Test, Stats and PrivFlags are per-device
// sets provided by drivers; the rest are global.
const (
	StringSetTest StringSetID = iota
	StringSetStats
	StringSetPrivFlags
	StringSetFeatures
	StringSetTunables
	StringSetLinkModes

	stringSetCount
)

// Global string set contents.
var (
	featureStrings = []string{
		"rx-checksum",
		"tx-checksum-ipv4",
		"tx-checksum-ip-generic",
		"tx-checksum-ipv6",
		"highdma",
		"tx-scatter-gather",
		"tx-tcp-segmentation",
		"tx-tcp6-segmentation",
		"tx-generic-segmentation",
		"rx-gro",
		"rx-lro",
		"rx-vlan-hw-parse",
		"tx-vlan-hw-insert",
		"rx-ntuple-filter",
		"rx-hashing",
		"loopback",
	}

	tunableStrings = []string{
		"Unspec",
		"rx-copybreak",
		"tx-copybreak",
		"pfc-prevention-tout",
	}
)

// globalStrings returns the contents of a global string set, or nil for
// per-device sets.
func globalStrings(id StringSetID) []string {
	switch id {
	case StringSetFeatures:
		return featureStrings
	case StringSetTunables:
		return tunableStrings
	case StringSetLinkModes:
		return linkModeNames
	default:
		return nil
	}
}

// perDevSet reports whether a string set is provided per device.
func perDevSet(id StringSetID) bool {
	switch id {
	case StringSetTest, StringSetStats, StringSetPrivFlags:
		return true
	default:
		return false
	}
}

var strsetRequestOps = getRequestOps{
	requestCmd: CommandGetStrset,
	replyCmd:   CommandSetStrset,
	devAttr:    AttrStrsetDev,
	// String set requests without a device return the global sets.
	allowNoDevDo: true,
	newState:     func() getState { return &strsetState{} },
}

var strsetStringsetPolicy = policy{
	AttrStringsetID:      {kind: kindU32},
	AttrStringsetCount:   {kind: kindReject},
	AttrStringsetStrings: {kind: kindReject},
}

// strsetState carries one string set request through the GET pipeline.
type strsetState struct {
	commonState

	// reqIDs is a bitmask of explicitly requested set IDs; zero means
	// every applicable set.
	reqIDs     uint32
	countsOnly bool

	sets [stringSetCount]strsetInfo
}

type strsetInfo struct {
	count   int
	strings []string
}

func (st *strsetState) reset() {
	st.rep = replyData{}
	st.sets = [stringSetCount]strsetInfo{}
}

func (st *strsetState) cleanup() {
	st.sets = [stringSetCount]strsetInfo{}
}

// parseRequest handles the string set request layout, which differs
// from the other GET requests: any number of STRINGSET nests may each
// select one set by ID.
func (st *strsetState) parseRequest(s *Server, req *Request, ctx *opCtx) error {
	ad, err := netlink.NewAttributeDecoder(req.Data)
	if err != nil {
		return errMsg(unix.EINVAL, "malformed attribute stream")
	}

	for ad.Next() {
		switch ad.Type() {
		case AttrStrsetDev:
			if ctx == nil {
				continue
			}
			dev, err := s.resolveDevice(ad.Bytes(), true, AttrStrsetDev)
			if err != nil {
				return err
			}
			if st.req.dev != nil {
				st.req.dev.put()
			}
			st.req.dev = dev
		case AttrStrsetCounts:
			st.countsOnly = true
		case AttrStrsetStringset:
			tb, err := parseAttrs(ad.Bytes(), strsetStringsetPolicy)
			if err != nil {
				return err
			}
			id, ok := tb.uint32(AttrStringsetID)
			if !ok {
				return errAttr(unix.EINVAL, AttrStringsetID, "string set id missing")
			}
			if id >= uint32(stringSetCount) {
				return errAttr(unix.EOPNOTSUPP, AttrStringsetID, "unknown string set id")
			}
			st.reqIDs |= 1 << id
		default:
			return errAttr(unix.EINVAL, ad.Type(), "unknown attribute")
		}
	}
	if err := ad.Err(); err != nil {
		return errMsg(unix.EINVAL, "malformed attribute stream")
	}

	st.req.privileged = req.Privileged
	return nil
}

// includeSet reports whether set id belongs in the reply for dev: an
// explicit request wins; otherwise a device returns its per-device sets
// and a deviceless request the global ones.
func (st *strsetState) includeSet(id StringSetID, dev *Device) bool {
	if st.reqIDs != 0 {
		return st.reqIDs&(1<<id) != 0
	}
	if dev != nil {
		return perDevSet(id)
	}
	return !perDevSet(id)
}

func (st *strsetState) prepareData(s *Server, ctx *opCtx) error {
	dev := st.rep.dev

	if dev == nil && st.reqIDs != 0 {
		for id := StringSetID(0); id < stringSetCount; id++ {
			if st.reqIDs&(1<<id) != 0 && perDevSet(id) {
				return errAttr(unix.EINVAL, AttrStringsetID,
					"requested per device strings without dev")
			}
		}
	}

	if dev != nil {
		if err := devBegin(dev); err != nil {
			return err
		}
		defer devComplete(dev)
	}

	for id := StringSetID(0); id < stringSetCount; id++ {
		if !st.includeSet(id, dev) {
			continue
		}

		var strings []string
		if perDevSet(id) {
			if dev.Ops.StringSet == nil {
				continue
			}
			ss, err := dev.Ops.StringSet(id)
			if err != nil {
				if isNotSupported(err) {
					continue
				}
				return wrapDriverError(err, "failed to retrieve device strings")
			}
			strings = ss
		} else {
			strings = globalStrings(id)
		}

		st.sets[id].count = len(strings)
		if !st.countsOnly {
			st.sets[id].strings = strings
		}
	}

	return nil
}

func (st *strsetState) replySize() (int, error) {
	var size int
	for id := range st.sets {
		set := &st.sets[id]
		if set.count == 0 {
			continue
		}

		n := attrSize(4) + attrSize(4) // ID, COUNT
		if !st.countsOnly {
			strings := 0
			for _, s := range set.strings {
				strings += attrSize(attrSize(4) + attrSize(len(s)+1))
			}
			n += attrSize(strings)
		}
		size += attrSize(n)
	}
	return size, nil
}

func (st *strsetState) fillReply(ae *netlink.AttributeEncoder) error {
	for id := range st.sets {
		set := &st.sets[id]
		if set.count == 0 {
			continue
		}

		ae.Nested(AttrStrsetStringset, func(nae *netlink.AttributeEncoder) error {
			nae.Uint32(AttrStringsetID, uint32(id))
			nae.Uint32(AttrStringsetCount, uint32(set.count))
			if st.countsOnly {
				return nil
			}

			nae.Nested(AttrStringsetStrings, func(sae *netlink.AttributeEncoder) error {
				for i, s := range set.strings {
					i, s := i, s
					sae.Nested(attrStringsString, func(e *netlink.AttributeEncoder) error {
						e.Uint32(AttrStringIndex, uint32(i))
						e.String(AttrStringValue, s)
						return nil
					})
				}
				return nil
			})
			return nil
		})
	}
	return nil
}
