package ethnl

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/mdlayher/genetlink"
	"github.com/mdlayher/netlink"
)

func TestRegistryDuplicates(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(NewDevice(1, "eth0", nil)); err != nil {
		t.Fatalf("failed to register device: %v", err)
	}

	if err := r.Register(NewDevice(1, "eth1", nil)); err == nil {
		t.Fatalf("duplicate index accepted")
	}
	if err := r.Register(NewDevice(2, "eth0", nil)); err == nil {
		t.Fatalf("duplicate name accepted")
	}
	if r.Len() != 1 {
		t.Fatalf("unexpected device count: %d", r.Len())
	}
}

func TestRegistryRename(t *testing.T) {
	r := NewRegistry()
	a := NewDevice(1, "eth0", nil)
	b := NewDevice(2, "eth1", nil)
	for _, d := range []*Device{a, b} {
		if err := r.Register(d); err != nil {
			t.Fatalf("failed to register device: %v", err)
		}
	}

	if err := r.Rename(a, "eth1"); err == nil {
		t.Fatalf("rename onto existing name accepted")
	}
	if err := r.Rename(a, "lan0"); err != nil {
		t.Fatalf("failed to rename device: %v", err)
	}

	if dev := r.deviceByName("lan0"); dev != a {
		t.Fatalf("renamed device not found under new name")
	} else {
		dev.put()
	}
	if dev := r.deviceByName("eth0"); dev != nil {
		t.Fatalf("renamed device still found under old name")
	}
}

func TestRegistryGeneration(t *testing.T) {
	r := NewRegistry()
	gen := r.Generation()

	d := NewDevice(1, "eth0", nil)
	if err := r.Register(d); err != nil {
		t.Fatalf("failed to register device: %v", err)
	}
	if r.Generation() == gen {
		t.Fatalf("registration did not advance generation")
	}

	gen = r.Generation()
	if err := r.Rename(d, "lan0"); err != nil {
		t.Fatalf("failed to rename device: %v", err)
	}
	if r.Generation() == gen {
		t.Fatalf("rename did not advance generation")
	}

	gen = r.Generation()
	r.Unregister(d)
	if r.Generation() == gen {
		t.Fatalf("unregistration did not advance generation")
	}
}

func TestRegistryBucketOrder(t *testing.T) {
	r := NewRegistry()
	// Indexes 3, 11 and 19 share a bucket; insertion order is kept.
	for i, index := range []uint32{19, 3, 11} {
		d := NewDevice(index, "eth"+string(rune('0'+i)), nil)
		if err := r.Register(d); err != nil {
			t.Fatalf("failed to register device: %v", err)
		}
	}

	devs := r.bucketDevices(3)
	got := make([]uint32, 0, len(devs))
	for _, d := range devs {
		got = append(got, d.Index)
	}
	if diff := cmp.Diff([]uint32{19, 3, 11}, got); diff != "" {
		t.Fatalf("unexpected bucket order (-want +got):\n%s", diff)
	}
}

func TestReferencesReleasedAfterRequests(t *testing.T) {
	// Every request path, successful or not, must release the device
	// references it took.
	drv := newTestDriver()
	s, d := testServer(t, drv)

	// GET doit.
	doGet(t, s, CommandGetSettings, encodeAttrs(t, func(ae *netlink.AttributeEncoder) {
		encodeDevNest(ae, AttrSettingsDev, 1, "")
	}))

	// GET doit failing in prepare.
	drv.beginErr = ErrNotSupported
	_, _ = s.Do(Request{
		Header: genetlink.Header{Command: CommandGetParams, Version: FamilyVersion},
		Data: encodeAttrs(t, func(ae *netlink.AttributeEncoder) {
			encodeDevNest(ae, AttrParamsDev, 1, "")
		}),
	})
	drv.beginErr = nil

	// SET failing mid-request.
	_ = doSet(t, s, CommandSetParams, encodeAttrs(t, func(ae *netlink.AttributeEncoder) {
		encodeDevNest(ae, AttrParamsDev, 1, "")
		ae.Nested(AttrParamsRing, func(nae *netlink.AttributeEncoder) error {
			nae.Uint32(AttrRingRX, drv.rings.RXMax+1)
			return nil
		})
	}))

	// Full dump.
	dump, err := s.DumpStart(Request{
		Header: genetlink.Header{Command: CommandGetSettings, Version: FamilyVersion},
	})
	if err != nil {
		t.Fatalf("failed to start dump: %v", err)
	}
	dumpAll(t, dump, 0)
	dump.Done()

	if refs := d.refCount(); refs != 0 {
		t.Fatalf("requests leaked %d reference(s)", refs)
	}
}
