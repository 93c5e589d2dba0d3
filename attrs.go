package ethnl

import (
	"github.com/mdlayher/netlink"
	"github.com/mdlayher/netlink/nlenc"
	"golang.org/x/sys/unix"
)

// Generic netlink family identity.
const (
	// FamilyName is the name the family registers under.
	FamilyName = "ethtool"

	// FamilyVersion is the family's protocol version, carried in every
	// reply and broadcast message header.
	FamilyVersion = 1

	// MonitorGroupName is the multicast group which carries change
	// notifications and device lifecycle events.
	MonitorGroupName = "monitor"
)

// Family commands. Each GET command is paired with a reply/notification
// command whose value is the request command plus one; SET requests are
// acknowledged without a reply message.
const (
	_ uint8 = iota
	CommandGetStrset
	CommandSetStrset // reply only
	CommandGetSettings
	CommandSetSettings
	CommandGetParams
	CommandSetParams
	CommandEvent

	commandCount
)

// Device identification nest contents.
const (
	AttrDevIndex uint16 = iota + 1
	AttrDevName
)

// Top level attributes of GET_STRSET requests and SET_STRSET replies.
const (
	AttrStrsetDev uint16 = iota + 1
	AttrStrsetCounts
	AttrStrsetStringset
)

// Contents of an AttrStrsetStringset nest.
const (
	AttrStringsetID uint16 = iota + 1
	AttrStringsetCount
	AttrStringsetStrings
)

// Contents of an AttrStringsetStrings nest.
const attrStringsString uint16 = 1

// Contents of a string nest.
const (
	AttrStringIndex uint16 = iota + 1
	AttrStringValue
)

// Top level attributes of settings requests, replies and notifications.
const (
	AttrSettingsDev uint16 = iota + 1
	AttrSettingsInfoMask
	AttrSettingsCompact
	AttrSettingsLinkInfo
	AttrSettingsLinkModes
	AttrSettingsLinkState
	AttrSettingsWOL
)

// Contents of an AttrSettingsLinkInfo nest.
const (
	AttrLinkInfoPort uint16 = iota + 1
	AttrLinkInfoPhyAddress
	AttrLinkInfoMDIX     // reply only
	AttrLinkInfoMDIXCtrl
	AttrLinkInfoTransceiver // reply only
	AttrLinkInfoMDIOSupport // reply only, reserved
)

// Contents of an AttrSettingsLinkModes nest.
const (
	AttrLinkModesAutoneg uint16 = iota + 1
	AttrLinkModesOurs
	AttrLinkModesPeer // reply only
	AttrLinkModesSpeed
	AttrLinkModesDuplex
)

// Contents of an AttrSettingsLinkState nest.
const attrLinkStateLink uint16 = 1 // reply only

// Contents of an AttrSettingsWOL nest.
const (
	AttrWOLModes uint16 = iota + 1
	AttrWOLSOPass
)

// Top level attributes of params requests, replies and notifications.
const (
	AttrParamsDev uint16 = iota + 1
	AttrParamsInfoMask
	AttrParamsCompact
	AttrParamsCoalesce
	AttrParamsRing
	AttrParamsPause
	AttrParamsChannels
)

// Contents of an AttrParamsCoalesce nest.
const (
	AttrCoalesceRXUsecs uint16 = iota + 1
	AttrCoalesceRXMaxFrames
	AttrCoalesceRXUsecsIRQ
	AttrCoalesceRXMaxFramesIRQ
	AttrCoalesceTXUsecs
	AttrCoalesceTXMaxFrames
	AttrCoalesceTXUsecsIRQ
	AttrCoalesceTXMaxFramesIRQ
	AttrCoalesceStatsBlockUsecs
	AttrCoalesceUseAdaptiveRX
	AttrCoalesceUseAdaptiveTX
	AttrCoalescePktRateLow
	AttrCoalesceRXUsecsLow
	AttrCoalesceRXMaxFramesLow
	AttrCoalesceTXUsecsLow
	AttrCoalesceTXMaxFramesLow
	AttrCoalescePktRateHigh
	AttrCoalesceRXUsecsHigh
	AttrCoalesceRXMaxFramesHigh
	AttrCoalesceTXUsecsHigh
	AttrCoalesceTXMaxFramesHigh
	AttrCoalesceRateSampleInterval
)

// Contents of an AttrParamsRing nest.
const (
	AttrRingRXMax uint16 = iota + 1 // reply only
	AttrRingRXMiniMax               // reply only
	AttrRingRXJumboMax              // reply only
	AttrRingTXMax                   // reply only
	AttrRingRX
	AttrRingRXMini
	AttrRingRXJumbo
	AttrRingTX
)

// Contents of an AttrParamsPause nest.
const (
	AttrPauseAutoneg uint16 = iota + 1
	AttrPauseRX
	AttrPauseTX
)

// Contents of an AttrParamsChannels nest.
const (
	AttrChannelsRXMax uint16 = iota + 1 // reply only
	AttrChannelsTXMax                   // reply only
	AttrChannelsOtherMax                // reply only
	AttrChannelsCombinedMax             // reply only
	AttrChannelsRX
	AttrChannelsTX
	AttrChannelsOther
	AttrChannelsCombined
)

// Contents of a CommandEvent message.
const (
	AttrEventNewdev uint16 = iota + 1
	AttrEventDeldev
	AttrEventRenamedev
)

// Contents of an event nest.
const attrEventDev uint16 = 1

// Contents of a bitset nest.
const (
	AttrBitsetList uint16 = iota + 1
	AttrBitsetSize
	AttrBitsetBits
	AttrBitsetValue
	AttrBitsetMask
)

// Contents of an AttrBitsetBits nest.
const attrBitsetBit uint16 = 1

// Contents of a bit nest.
const (
	AttrBitIndex uint16 = iota + 1
	AttrBitName
	AttrBitValue
)

// attrKind enumerates the payload shapes a policy rule can demand.
type attrKind uint8

const (
	kindReject attrKind = iota
	kindFlag
	kindU8
	kindU32
	kindBitfield32
	kindString
	kindBinary
	kindNested
)

// A rule constrains a single attribute type within a policy.
type rule struct {
	kind   attrKind
	maxLen int // strings (excluding terminator) and binary payloads
}

// A policy maps attribute types to the rules their payloads must obey,
// mirroring the netlink attribute policies the family validates requests
// against. Attribute types absent from the policy are rejected.
type policy map[uint16]rule

// check validates a single attribute payload against the rule.
func (r rule) check(typ uint16, data []byte) error {
	switch r.kind {
	case kindReject:
		return errAttr(unix.EINVAL, typ, "attribute not allowed in request")
	case kindFlag:
		if len(data) != 0 {
			return errAttr(unix.EINVAL, typ, "invalid attribute length")
		}
	case kindU8:
		if len(data) != 1 {
			return errAttr(unix.EINVAL, typ, "invalid attribute length")
		}
	case kindU32:
		if len(data) != 4 {
			return errAttr(unix.EINVAL, typ, "invalid attribute length")
		}
	case kindBitfield32:
		if len(data) != 8 {
			return errAttr(unix.EINVAL, typ, "invalid attribute length")
		}
	case kindString:
		if len(data) == 0 || data[len(data)-1] != 0x00 {
			return errAttr(unix.EINVAL, typ, "string not null terminated")
		}
		if len(data)-1 > r.maxLen {
			return errAttr(unix.EINVAL, typ, "string too long")
		}
	case kindBinary:
		if len(data) > r.maxLen {
			return errAttr(unix.EINVAL, typ, "invalid attribute length")
		}
	case kindNested:
		// Contents are validated by the nest's own policy.
	}

	return nil
}

// A rawAttr is a single attribute as it appeared on the wire, validated
// against a policy but not yet interpreted.
type rawAttr struct {
	typ  uint16
	data []byte
}

// An attrList is a parsed attribute stream in wire order. Duplicate
// attributes are retained; lookups return the last occurrence, matching
// netlink conventions.
type attrList []rawAttr

// parseAttrs validates the attribute stream b against policy p and
// returns the parsed attributes.
func parseAttrs(b []byte, p policy) (attrList, error) {
	ad, err := netlink.NewAttributeDecoder(b)
	if err != nil {
		return nil, errMsg(unix.EINVAL, "malformed attribute stream")
	}

	var l attrList
	for ad.Next() {
		typ := ad.Type()
		r, ok := p[typ]
		if !ok {
			return nil, errAttr(unix.EINVAL, typ, "unknown attribute")
		}

		data := ad.Bytes()
		if err := r.check(typ, data); err != nil {
			return nil, err
		}

		l = append(l, rawAttr{typ: typ, data: data})
	}
	if err := ad.Err(); err != nil {
		return nil, errMsg(unix.EINVAL, "malformed attribute stream")
	}

	return l, nil
}

// get returns the payload of the last occurrence of typ, reporting
// whether the attribute was present at all.
func (l attrList) get(typ uint16) ([]byte, bool) {
	for i := len(l) - 1; i >= 0; i-- {
		if l[i].typ == typ {
			return l[i].data, true
		}
	}

	return nil, false
}

// flag reports whether flag attribute typ was present.
func (l attrList) flag(typ uint16) bool {
	_, ok := l.get(typ)
	return ok
}

func (l attrList) uint8(typ uint16) (uint8, bool) {
	b, ok := l.get(typ)
	if !ok {
		return 0, false
	}

	return b[0], true
}

func (l attrList) uint32(typ uint16) (uint32, bool) {
	b, ok := l.get(typ)
	if !ok {
		return 0, false
	}

	return nlenc.Uint32(b), true
}

func (l attrList) string(typ uint16) (string, bool) {
	b, ok := l.get(typ)
	if !ok {
		return "", false
	}

	return nlenc.String(b), true
}

// attrSize returns the total space an attribute with a payload of n
// bytes occupies in a message, header and padding included.
func attrSize(n int) int {
	return nlaAlign(n) + 4
}

func nlaAlign(n int) int {
	return (n + 3) &^ 3
}
