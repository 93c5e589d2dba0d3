package ethnl

import (
	"github.com/mdlayher/netlink"
	"golang.org/x/sys/unix"
)

// devPolicy validates the contents of a device identification nest.
var devPolicy = policy{
	AttrDevIndex: {kind: kindU32},
	AttrDevName:  {kind: kindString, maxLen: unix.IFNAMSIZ - 1},
}

// resolveDevice resolves a device identification nest to a registered
// device, with a reference held. nestType is the attribute type the
// nest appeared as, used to anchor errors; ok reports whether the nest
// was present at all.
//
// A nest may identify a device by interface index, by name, or by both,
// in which case the two must agree. The resolved device must be
// present.
func (s *Server) resolveDevice(nest []byte, ok bool, nestType uint16) (*Device, error) {
	if !ok {
		return nil, errAttr(unix.EINVAL, nestType, "device identification missing")
	}

	tb, err := parseAttrs(nest, devPolicy)
	if err != nil {
		return nil, err
	}

	index, haveIndex := tb.uint32(AttrDevIndex)
	name, haveName := tb.string(AttrDevName)

	var dev *Device
	switch {
	case haveIndex:
		dev = s.registry.deviceByIndex(index)
		if dev == nil {
			return nil, errAttr(unix.ENODEV, AttrDevIndex, "no device matches ifindex")
		}
		if haveName && dev.Name() != name {
			dev.put()
			return nil, errAttr(unix.ENODEV, nestType, "ifindex and name do not match")
		}
	case haveName:
		dev = s.registry.deviceByName(name)
		if dev == nil {
			return nil, errAttr(unix.ENODEV, AttrDevName, "no device matches name")
		}
	default:
		return nil, errAttr(unix.EINVAL, nestType, "neither ifindex nor name specified")
	}

	if !dev.Present() {
		dev.put()
		return nil, errAttr(unix.ENODEV, nestType, "device not present")
	}

	return dev, nil
}

// putDeviceIdent emits a device identification nest of type typ for d.
func putDeviceIdent(ae *netlink.AttributeEncoder, typ uint16, d *Device) {
	ae.Nested(typ, func(nae *netlink.AttributeEncoder) error {
		nae.Uint32(AttrDevIndex, d.Index)
		nae.String(AttrDevName, d.Name())
		return nil
	})
}

// devIdentSize returns the space a device identification nest may
// occupy in a reply.
func devIdentSize() int {
	return attrSize(attrSize(4) + attrSize(unix.IFNAMSIZ))
}
