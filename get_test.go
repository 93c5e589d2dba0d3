package ethnl

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/mdlayher/genetlink"
	"github.com/mdlayher/netlink"
	"golang.org/x/sys/unix"
)

func TestGetSettingsDo(t *testing.T) {
	drv := newTestDriver()
	s, d := testServer(t, drv)

	req := encodeAttrs(t, func(ae *netlink.AttributeEncoder) {
		encodeDevNest(ae, AttrSettingsDev, 1, "")
	})
	reply := doGet(t, s, CommandGetSettings, req)

	if reply.Message.Header.Command != CommandSetSettings {
		t.Fatalf("unexpected reply command: %d", reply.Message.Header.Command)
	}
	if reply.Warning != "" {
		t.Fatalf("unexpected warning: %q", reply.Warning)
	}

	tb := decodeAttrs(t, reply.Message.Data)

	// Device identification echoes the resolved device.
	dev := decodeAttrs(t, tb[AttrSettingsDev])
	if got := nlenc32(t, dev[AttrDevIndex]); got != 1 {
		t.Fatalf("unexpected ifindex in reply: %d", got)
	}
	if got := nlencString(dev[AttrDevName]); got != "eth0" {
		t.Fatalf("unexpected name in reply: %q", got)
	}

	// An absent info mask selects every aspect.
	for _, typ := range []uint16{
		AttrSettingsLinkInfo,
		AttrSettingsLinkModes,
		AttrSettingsLinkState,
		AttrSettingsWOL,
	} {
		if _, ok := tb[typ]; !ok {
			t.Fatalf("aspect nest %d missing from reply", typ)
		}
	}

	info := decodeAttrs(t, tb[AttrSettingsLinkInfo])
	if got := info[AttrLinkInfoPort]; len(got) != 1 || Port(got[0]) != TwistedPair {
		t.Fatalf("unexpected port: %v", got)
	}

	modes := decodeAttrs(t, tb[AttrSettingsLinkModes])
	if got := modes[AttrLinkModesAutoneg]; len(got) != 1 || got[0] != AutonegEnable {
		t.Fatalf("unexpected autoneg: %v", got)
	}
	if got := nlenc32(t, modes[AttrLinkModesSpeed]); got != 1000 {
		t.Fatalf("unexpected speed: %d", got)
	}
	// The peer has not advertised anything, so its bitmap is omitted.
	if _, ok := modes[AttrLinkModesPeer]; ok {
		t.Fatalf("peer bitmap present despite empty peer advertising")
	}

	state := decodeAttrs(t, tb[AttrSettingsLinkState])
	if got := state[attrLinkStateLink]; len(got) != 1 || got[0] != 1 {
		t.Fatalf("unexpected link state: %v", got)
	}

	// Unprivileged requests never see the SecureOn password.
	wol := decodeAttrs(t, tb[AttrSettingsWOL])
	if _, ok := wol[AttrWOLSOPass]; ok {
		t.Fatalf("sopass disclosed to unprivileged request")
	}
	if len(wol[AttrWOLModes]) != 8 {
		t.Fatalf("unexpected wol modes attribute: %v", wol[AttrWOLModes])
	}

	// Driver access was bracketed and the reference released.
	if drv.begins != 1 || drv.completes != 1 {
		t.Fatalf("unexpected begin/complete counts: %d/%d", drv.begins, drv.completes)
	}
	if refs := d.refCount(); refs != 0 {
		t.Fatalf("request leaked %d reference(s)", refs)
	}
}

func TestGetSettingsInfoMask(t *testing.T) {
	s, _ := testServer(t, newTestDriver())

	req := encodeAttrs(t, func(ae *netlink.AttributeEncoder) {
		encodeDevNest(ae, AttrSettingsDev, 1, "")
		ae.Uint32(AttrSettingsInfoMask, InfoLinkState)
	})
	reply := doGet(t, s, CommandGetSettings, req)

	tb := decodeAttrs(t, reply.Message.Data)
	if _, ok := tb[AttrSettingsLinkState]; !ok {
		t.Fatalf("requested aspect missing from reply")
	}
	for _, typ := range []uint16{AttrSettingsLinkInfo, AttrSettingsLinkModes, AttrSettingsWOL} {
		if _, ok := tb[typ]; ok {
			t.Fatalf("unrequested aspect nest %d present in reply", typ)
		}
	}
}

func TestGetSettingsUnknownInfoMask(t *testing.T) {
	s, _ := testServer(t, newTestDriver())

	req := encodeAttrs(t, func(ae *netlink.AttributeEncoder) {
		encodeDevNest(ae, AttrSettingsDev, 1, "")
		ae.Uint32(AttrSettingsInfoMask, 1<<31)
	})
	_, err := s.Do(Request{
		Header: genetlink.Header{Command: CommandGetSettings, Version: FamilyVersion},
		Data:   req,
	})

	var eerr *Error
	if !errors.As(err, &eerr) || eerr.Errno != unix.EINVAL {
		t.Fatalf("expected EINVAL, got: %v", err)
	}
	if eerr.Attr != AttrSettingsInfoMask {
		t.Fatalf("error not anchored on info mask: attr %d", eerr.Attr)
	}
}

func TestGetSettingsCompactBitsets(t *testing.T) {
	drv := newTestDriver()
	s, _ := testServer(t, drv)

	req := encodeAttrs(t, func(ae *netlink.AttributeEncoder) {
		encodeDevNest(ae, AttrSettingsDev, 1, "")
		ae.Uint32(AttrSettingsInfoMask, InfoLinkModes)
		ae.Flag(AttrSettingsCompact, true)
	})
	reply := doGet(t, s, CommandGetSettings, req)

	modes := decodeAttrs(t, reply.Message.Data)
	ours := decodeAttrs(t, decodeAttrs(t, modes[AttrSettingsLinkModes])[AttrLinkModesOurs])

	if _, ok := ours[AttrBitsetBits]; ok {
		t.Fatalf("compact reply contains verbose bit nests")
	}
	if got := nlenc32(t, ours[AttrBitsetSize]); int(got) != linkModeCount {
		t.Fatalf("unexpected bitset size: %d", got)
	}

	val := bitsetFromBytes(ours[AttrBitsetValue])
	mask := bitsetFromBytes(ours[AttrBitsetMask])
	if diff := cmp.Diff(drv.ks.Advertising, val); diff != "" {
		t.Fatalf("unexpected advertising bitmap (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(drv.ks.Supported, mask); diff != "" {
		t.Fatalf("unexpected supported bitmap (-want +got):\n%s", diff)
	}
}

func TestGetSettingsPartialInfo(t *testing.T) {
	// A driver without WoL support drops the aspect from the reply and
	// attaches a warning, while the request still succeeds.
	drv := newTestDriver()
	ops := drv.ops()
	ops.WakeOnLAN = nil
	ops.SetWakeOnLAN = nil

	s := NewServer(Config{})
	if err := s.Registry().Register(NewDevice(1, "eth0", ops)); err != nil {
		t.Fatalf("failed to register device: %v", err)
	}

	req := encodeAttrs(t, func(ae *netlink.AttributeEncoder) {
		encodeDevNest(ae, AttrSettingsDev, 1, "")
	})
	reply := doGet(t, s, CommandGetSettings, req)

	if reply.Warning != "not all requested data could be retrieved" {
		t.Fatalf("unexpected warning: %q", reply.Warning)
	}
	tb := decodeAttrs(t, reply.Message.Data)
	if _, ok := tb[AttrSettingsWOL]; ok {
		t.Fatalf("unsupported aspect present in reply")
	}
	if _, ok := tb[AttrSettingsLinkModes]; !ok {
		t.Fatalf("supported aspect missing from reply")
	}
}

func TestGetSettingsNoDevice(t *testing.T) {
	s, _ := testServer(t, newTestDriver())

	_, err := s.Do(Request{
		Header: genetlink.Header{Command: CommandGetSettings, Version: FamilyVersion},
	})

	var eerr *Error
	if !errors.As(err, &eerr) || eerr.Errno != unix.EINVAL {
		t.Fatalf("expected EINVAL, got: %v", err)
	}
	if eerr.Message != "device not specified in do request" {
		t.Fatalf("unexpected message: %q", eerr.Message)
	}
}

func TestGetUnknownCommand(t *testing.T) {
	var logs bytes.Buffer
	s := NewServer(Config{
		Logger: slog.New(slog.NewTextHandler(&logs, nil)),
	})

	for i := 0; i < 2; i++ {
		_, err := s.Do(Request{
			Header: genetlink.Header{Command: 42, Version: FamilyVersion},
		})

		var eerr *Error
		if !errors.As(err, &eerr) || eerr.Errno != unix.EOPNOTSUPP {
			t.Fatalf("expected EOPNOTSUPP, got: %v", err)
		}
	}

	// The warning fires on the first occurrence only.
	if n := strings.Count(logs.String(), "request for unknown command"); n != 1 {
		t.Fatalf("expected one warning, got %d:\n%s", n, logs.String())
	}
}

func TestGetParamsDo(t *testing.T) {
	drv := newTestDriver()
	s, _ := testServer(t, drv)

	req := encodeAttrs(t, func(ae *netlink.AttributeEncoder) {
		encodeDevNest(ae, AttrParamsDev, 0, "eth0")
	})
	reply := doGet(t, s, CommandGetParams, req)

	if reply.Message.Header.Command != CommandSetParams {
		t.Fatalf("unexpected reply command: %d", reply.Message.Header.Command)
	}

	tb := decodeAttrs(t, reply.Message.Data)
	ring := decodeAttrs(t, tb[AttrParamsRing])
	if got := nlenc32(t, ring[AttrRingRXMax]); got != 4096 {
		t.Fatalf("unexpected rx max: %d", got)
	}
	if got := nlenc32(t, ring[AttrRingRX]); got != 256 {
		t.Fatalf("unexpected rx: %d", got)
	}

	coalesce := decodeAttrs(t, tb[AttrParamsCoalesce])
	if got := nlenc32(t, coalesce[AttrCoalesceRXUsecs]); got != 50 {
		t.Fatalf("unexpected rx usecs: %d", got)
	}

	pause := decodeAttrs(t, tb[AttrParamsPause])
	if got := pause[AttrPauseRX]; len(got) != 1 || got[0] != 1 {
		t.Fatalf("unexpected pause rx: %v", got)
	}
}

func TestGetStrsetGlobal(t *testing.T) {
	// A deviceless string set request returns the global sets.
	s, _ := testServer(t, newTestDriver())

	reply := doGet(t, s, CommandGetStrset, nil)
	if reply.Message.Header.Command != CommandSetStrset {
		t.Fatalf("unexpected reply command: %d", reply.Message.Header.Command)
	}

	sets := decodeStringSets(t, reply.Message.Data)
	if _, ok := sets[StringSetStats]; ok {
		t.Fatalf("per-device set in deviceless reply")
	}

	lm, ok := sets[StringSetLinkModes]
	if !ok {
		t.Fatalf("link modes set missing from reply")
	}
	if diff := cmp.Diff(linkModeNames, lm); diff != "" {
		t.Fatalf("unexpected link mode names (-want +got):\n%s", diff)
	}
}

func TestGetStrsetDevice(t *testing.T) {
	s, _ := testServer(t, newTestDriver())

	req := encodeAttrs(t, func(ae *netlink.AttributeEncoder) {
		encodeDevNest(ae, AttrStrsetDev, 1, "")
	})
	reply := doGet(t, s, CommandGetStrset, req)

	sets := decodeStringSets(t, reply.Message.Data)
	if diff := cmp.Diff([]string{"rx_packets", "tx_packets", "rx_errors"}, sets[StringSetStats]); diff != "" {
		t.Fatalf("unexpected stats strings (-want +got):\n%s", diff)
	}
	// The driver does not provide a self-test set; it is skipped, not
	// an error.
	if _, ok := sets[StringSetTest]; ok {
		t.Fatalf("unsupported string set present in reply")
	}
}

func TestGetStrsetCountsOnly(t *testing.T) {
	s, _ := testServer(t, newTestDriver())

	req := encodeAttrs(t, func(ae *netlink.AttributeEncoder) {
		ae.Flag(AttrStrsetCounts, true)
		ae.Nested(AttrStrsetStringset, func(nae *netlink.AttributeEncoder) error {
			nae.Uint32(AttrStringsetID, uint32(StringSetLinkModes))
			return nil
		})
	})
	reply := doGet(t, s, CommandGetStrset, req)

	var found bool
	for _, a := range decodeAttrList(t, reply.Message.Data) {
		if a.typ != AttrStrsetStringset {
			continue
		}
		found = true
		tb := decodeAttrs(t, a.data)
		if got := nlenc32(t, tb[AttrStringsetCount]); int(got) != linkModeCount {
			t.Fatalf("unexpected count: %d", got)
		}
		if _, ok := tb[AttrStringsetStrings]; ok {
			t.Fatalf("strings present in counts-only reply")
		}
	}
	if !found {
		t.Fatalf("requested set missing from reply")
	}
}

func TestGetStrsetPerDevWithoutDev(t *testing.T) {
	s, _ := testServer(t, newTestDriver())

	req := encodeAttrs(t, func(ae *netlink.AttributeEncoder) {
		ae.Nested(AttrStrsetStringset, func(nae *netlink.AttributeEncoder) error {
			nae.Uint32(AttrStringsetID, uint32(StringSetStats))
			return nil
		})
	})
	_, err := s.Do(Request{
		Header: genetlink.Header{Command: CommandGetStrset, Version: FamilyVersion},
		Data:   req,
	})

	var eerr *Error
	if !errors.As(err, &eerr) || eerr.Errno != unix.EINVAL {
		t.Fatalf("expected EINVAL, got: %v", err)
	}
	if eerr.Message != "requested per device strings without dev" {
		t.Fatalf("unexpected message: %q", eerr.Message)
	}
}

// decodeStringSets flattens a string set reply into set contents,
// keyed by set ID. Counts-only sets map to nil.
func decodeStringSets(t *testing.T, b []byte) map[StringSetID][]string {
	t.Helper()

	out := make(map[StringSetID][]string)
	for _, a := range decodeAttrList(t, b) {
		if a.typ != AttrStrsetStringset {
			continue
		}

		tb := decodeAttrs(t, a.data)
		id := StringSetID(nlenc32(t, tb[AttrStringsetID]))
		count := int(nlenc32(t, tb[AttrStringsetCount]))

		strings, ok := tb[AttrStringsetStrings]
		if !ok {
			out[id] = nil
			continue
		}

		ss := make([]string, count)
		for _, sa := range decodeAttrList(t, strings) {
			stb := decodeAttrs(t, sa.data)
			ss[nlenc32(t, stb[AttrStringIndex])] = nlencString(stb[AttrStringValue])
		}
		out[id] = ss
	}
	return out
}
