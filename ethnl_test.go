package ethnl

import (
	"testing"

	"github.com/mdlayher/genetlink"
	"github.com/mdlayher/netlink"
	"github.com/mdlayher/netlink/nlenc"
)

// testDriver is an in-memory device driver. Getters hand the engine
// copies, so driver state only changes when a setter is invoked.
type testDriver struct {
	ks       LinkSettings
	wol      WakeOnLAN
	coalesce Coalesce
	rings    Rings
	pause    Pause
	channels Channels
	link     bool

	strings map[StringSetID][]string

	beginErr  error
	begins    int
	completes int
	setCalls  []string

	// noLink drops the Link callback entirely.
	noLink bool
}

func (d *testDriver) ops() *DriverOps {
	ops := &DriverOps{
		Begin: func() error {
			d.begins++
			return d.beginErr
		},
		Complete: func() { d.completes++ },
		LinkSettings: func() (*LinkSettings, error) {
			ks := d.ks
			ks.Supported = d.ks.Supported.Clone()
			ks.Advertising = d.ks.Advertising.Clone()
			ks.PeerAdvertising = d.ks.PeerAdvertising.Clone()
			return &ks, nil
		},
		SetLinkSettings: func(ks *LinkSettings) error {
			d.setCalls = append(d.setCalls, "link_settings")
			d.ks = *ks
			return nil
		},
		WakeOnLAN: func() (*WakeOnLAN, error) {
			wol := d.wol
			return &wol, nil
		},
		SetWakeOnLAN: func(wol *WakeOnLAN) error {
			d.setCalls = append(d.setCalls, "wol")
			d.wol = *wol
			return nil
		},
		Coalesce: func() (*Coalesce, error) {
			c := d.coalesce
			return &c, nil
		},
		SetCoalesce: func(c *Coalesce) error {
			d.setCalls = append(d.setCalls, "coalesce")
			d.coalesce = *c
			return nil
		},
		Rings: func() (*Rings, error) {
			r := d.rings
			return &r, nil
		},
		SetRings: func(r *Rings) error {
			d.setCalls = append(d.setCalls, "rings")
			d.rings = *r
			return nil
		},
		Pause: func() (*Pause, error) {
			p := d.pause
			return &p, nil
		},
		SetPause: func(p *Pause) error {
			d.setCalls = append(d.setCalls, "pause")
			d.pause = *p
			return nil
		},
		Channels: func() (*Channels, error) {
			c := d.channels
			return &c, nil
		},
		SetChannels: func(c *Channels) error {
			d.setCalls = append(d.setCalls, "channels")
			d.channels = *c
			return nil
		},
		StringSet: func(id StringSetID) ([]string, error) {
			ss, ok := d.strings[id]
			if !ok {
				return nil, ErrNotSupported
			}
			return ss, nil
		},
	}
	if !d.noLink {
		ops.Link = func() (bool, error) { return d.link, nil }
	}
	return ops
}

// newTestDriver returns a driver with plausible gigabit defaults.
func newTestDriver() *testDriver {
	supported := NewBitset(linkModeCount)
	for _, bit := range []int{0, 1, 2, 3, 5, 6, 13} {
		supported.Set(bit)
	}
	advertising := supported.Clone()

	return &testDriver{
		ks: LinkSettings{
			Port:            TwistedPair,
			PhyAddress:      1,
			Autoneg:         AutonegEnable,
			Speed:           1000,
			Duplex:          Full,
			Supported:       supported,
			Advertising:     advertising,
			PeerAdvertising: NewBitset(linkModeCount),
		},
		wol: WakeOnLAN{
			Supported: Magic | MagicSecure | PHY,
			Modes:     Magic,
			SOPass:    [sopassMax]byte{0xde, 0xad, 0xbe, 0xef, 0x00, 0x01},
		},
		coalesce: Coalesce{RXUsecs: 50, TXUsecs: 100, RXMaxFrames: 16},
		rings:    Rings{RXMax: 4096, TXMax: 4096, RX: 256, TX: 256},
		pause:    Pause{Autoneg: true, RX: true},
		channels: Channels{RXMax: 8, TXMax: 8, CombinedMax: 16, RX: 4, TX: 4, Combined: 8},
		link:     true,
		strings: map[StringSetID][]string{
			StringSetStats:     {"rx_packets", "tx_packets", "rx_errors"},
			StringSetPrivFlags: {"legacy-rx"},
		},
	}
}

// testServer returns a Server with a single registered device backed by
// drv.
func testServer(t *testing.T, drv *testDriver) (*Server, *Device) {
	t.Helper()

	s := NewServer(Config{})
	d := NewDevice(1, "eth0", drv.ops())
	if err := s.Registry().Register(d); err != nil {
		t.Fatalf("failed to register device: %v", err)
	}
	return s, d
}

// encodeAttrs builds an attribute payload for a request.
func encodeAttrs(t *testing.T, fn func(*netlink.AttributeEncoder)) []byte {
	t.Helper()

	ae := netlink.NewAttributeEncoder()
	fn(ae)
	b, err := ae.Encode()
	if err != nil {
		t.Fatalf("failed to encode attributes: %v", err)
	}
	return b
}

// encodeDevNest emits a device identification nest selecting a device
// by index, by name, or both.
func encodeDevNest(ae *netlink.AttributeEncoder, typ uint16, index uint32, name string) {
	ae.Nested(typ, func(nae *netlink.AttributeEncoder) error {
		if index != 0 {
			nae.Uint32(AttrDevIndex, index)
		}
		if name != "" {
			nae.String(AttrDevName, name)
		}
		return nil
	})
}

// decodeAttrs flattens one level of attributes, keeping the last
// occurrence of each type.
func decodeAttrs(t *testing.T, b []byte) map[uint16][]byte {
	t.Helper()

	out := make(map[uint16][]byte)
	for _, a := range decodeAttrList(t, b) {
		out[a.typ] = a.data
	}
	return out
}

// decodeAttrList flattens one level of attributes in wire order.
func decodeAttrList(t *testing.T, b []byte) []rawAttr {
	t.Helper()

	ad, err := netlink.NewAttributeDecoder(b)
	if err != nil {
		t.Fatalf("failed to decode attributes: %v", err)
	}

	var out []rawAttr
	for ad.Next() {
		out = append(out, rawAttr{typ: ad.Type(), data: ad.Bytes()})
	}
	if err := ad.Err(); err != nil {
		t.Fatalf("failed to walk attributes: %v", err)
	}
	return out
}

// nlenc32 decodes a u32 attribute payload.
func nlenc32(t *testing.T, b []byte) uint32 {
	t.Helper()

	if len(b) != 4 {
		t.Fatalf("unexpected u32 attribute length: %d", len(b))
	}
	return nlenc.Uint32(b)
}

// nlencString decodes a null-terminated string attribute payload.
func nlencString(b []byte) string { return nlenc.String(b) }

// doGet performs a GET doit request and fails the test on error.
func doGet(t *testing.T, s *Server, cmd uint8, data []byte) *Reply {
	t.Helper()

	reply, err := s.Do(Request{
		Header: genetlink.Header{Command: cmd, Version: FamilyVersion},
		Data:   data,
	})
	if err != nil {
		t.Fatalf("failed to perform request %d: %v", cmd, err)
	}
	return reply
}
