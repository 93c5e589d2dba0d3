package ethnl

import (
	"github.com/mdlayher/netlink"
	"github.com/mdlayher/netlink/nlenc"
	"github.com/siderolabs/gen/optional"
	"golang.org/x/sys/unix"
)

// Info mask bits of settings requests and notifications.
const (
	InfoLinkInfo uint32 = 1 << iota
	InfoLinkModes
	InfoLinkState
	InfoWOL

	infoSettingsAll = InfoLinkInfo | InfoLinkModes | InfoLinkState | InfoWOL
)

var settingsRequestOps = getRequestOps{
	requestCmd:   CommandGetSettings,
	replyCmd:     CommandSetSettings,
	devAttr:      AttrSettingsDev,
	allowNoDevDo: false,
	newState:     func() getState { return &settingsState{} },
}

var getSettingsPolicy = policy{
	AttrSettingsDev:       {kind: kindNested},
	AttrSettingsInfoMask:  {kind: kindU32},
	AttrSettingsCompact:   {kind: kindFlag},
	AttrSettingsLinkInfo:  {kind: kindReject},
	AttrSettingsLinkModes: {kind: kindReject},
	AttrSettingsLinkState: {kind: kindReject},
	AttrSettingsWOL:       {kind: kindReject},
}

// settingsState carries one settings request through the GET pipeline.
type settingsState struct {
	commonState

	ksettings *LinkSettings
	wol       *WakeOnLAN
	link      optional.Optional[bool]
	lpmEmpty  bool
}

func (st *settingsState) reset() {
	st.rep = replyData{}
	st.ksettings = nil
	st.wol = nil
	st.link = optional.Optional[bool]{}
	st.lpmEmpty = false
}

func (st *settingsState) parseRequest(s *Server, req *Request, ctx *opCtx) error {
	return st.parseGetRequest(s, req, ctx, getSettingsPolicy,
		AttrSettingsDev, AttrSettingsInfoMask, AttrSettingsCompact,
		infoSettingsAll)
}

// prepareData queries the driver for every aspect the request selected.
// Aspects the device cannot provide are dropped from the info mask; if
// anything was dropped, a warning is attached to the reply.
func (st *settingsState) prepareData(s *Server, ctx *opCtx) error {
	dev := st.rep.dev
	mask := st.req.reqMask

	if err := devBegin(dev); err != nil {
		return err
	}
	defer devComplete(dev)

	if mask&(InfoLinkInfo|InfoLinkModes) != 0 {
		ks, err := getLinkSettings(dev)
		if err != nil {
			mask &^= InfoLinkInfo | InfoLinkModes
		} else {
			st.ksettings = ks
		}
	}
	if mask&InfoLinkModes != 0 {
		st.lpmEmpty = st.ksettings.PeerAdvertising.Empty()
	}
	if mask&InfoLinkState != 0 && dev.Ops.Link != nil {
		if up, err := dev.Ops.Link(); err == nil {
			st.link = optional.Some(up)
		}
	}
	if mask&InfoWOL != 0 {
		wol, err := getWOL(dev)
		if err != nil {
			mask &^= InfoWOL
		} else {
			st.wol = wol
		}
	}

	st.rep.infoMask = mask
	if st.req.reqMask&^mask != 0 {
		ctx.warnPartial()
	}
	return nil
}

func getLinkSettings(dev *Device) (*LinkSettings, error) {
	if dev.Ops.LinkSettings == nil {
		return nil, ErrNotSupported
	}
	return dev.Ops.LinkSettings()
}

func getWOL(dev *Device) (*WakeOnLAN, error) {
	if dev.Ops.WakeOnLAN == nil {
		return nil, ErrNotSupported
	}
	return dev.Ops.WakeOnLAN()
}

func (st *settingsState) replySize() (int, error) {
	var size int
	if st.rep.infoMask&InfoLinkInfo != 0 {
		size += linkInfoSize()
	}
	if st.rep.infoMask&InfoLinkModes != 0 {
		size += st.linkModesSize()
	}
	if st.rep.infoMask&InfoLinkState != 0 {
		size += attrSize(attrSize(1))
	}
	if st.rep.infoMask&InfoWOL != 0 {
		size += attrSize(attrSize(8) + attrSize(sopassMax))
	}
	return size, nil
}

func linkInfoSize() int {
	// Five u8 attributes plus a bitfield32 reserved for MDIO support.
	return attrSize(5*attrSize(1) + attrSize(8))
}

func (st *settingsState) linkModesSize() int {
	size := 2*attrSize(1) + attrSize(4)
	size += bitsetSize(linkModeCount, st.ksettings.Advertising,
		st.ksettings.Supported, linkModeNames, st.req.compact, false)
	if !st.lpmEmpty {
		size += bitsetSize(linkModeCount, st.ksettings.PeerAdvertising,
			nil, linkModeNames, st.req.compact, true)
	}
	return attrSize(size)
}

func (st *settingsState) fillReply(ae *netlink.AttributeEncoder) error {
	if st.rep.infoMask&InfoLinkInfo != 0 {
		st.fillLinkInfo(ae)
	}
	if st.rep.infoMask&InfoLinkModes != 0 {
		st.fillLinkModes(ae)
	}
	if st.rep.infoMask&InfoLinkState != 0 {
		st.fillLinkState(ae)
	}
	if st.rep.infoMask&InfoWOL != 0 {
		st.fillWOL(ae)
	}
	return nil
}

func (st *settingsState) fillLinkInfo(ae *netlink.AttributeEncoder) {
	ks := st.ksettings
	ae.Nested(AttrSettingsLinkInfo, func(nae *netlink.AttributeEncoder) error {
		nae.Uint8(AttrLinkInfoPort, uint8(ks.Port))
		nae.Uint8(AttrLinkInfoPhyAddress, ks.PhyAddress)
		nae.Uint8(AttrLinkInfoMDIX, ks.MDIX)
		nae.Uint8(AttrLinkInfoMDIXCtrl, ks.MDIXCtrl)
		nae.Uint8(AttrLinkInfoTransceiver, ks.Transceiver)
		return nil
	})
}

func (st *settingsState) fillLinkModes(ae *netlink.AttributeEncoder) {
	ks := st.ksettings
	ae.Nested(AttrSettingsLinkModes, func(nae *netlink.AttributeEncoder) error {
		nae.Uint8(AttrLinkModesAutoneg, ks.Autoneg)
		putBitset(nae, AttrLinkModesOurs, linkModeCount,
			ks.Advertising, ks.Supported, linkModeNames, st.req.compact, false)
		// The peer bitmap has no mask and is omitted while the peer has
		// not advertised anything.
		if !st.lpmEmpty {
			putBitset(nae, AttrLinkModesPeer, linkModeCount,
				ks.PeerAdvertising, nil, linkModeNames, st.req.compact, true)
		}
		nae.Uint32(AttrLinkModesSpeed, ks.Speed)
		nae.Uint8(AttrLinkModesDuplex, uint8(ks.Duplex))
		return nil
	})
}

func (st *settingsState) fillLinkState(ae *netlink.AttributeEncoder) {
	ae.Nested(AttrSettingsLinkState, func(nae *netlink.AttributeEncoder) error {
		// The nest is emitted even when the driver cannot report link
		// state, so the reply still acknowledges the aspect.
		if up, ok := st.link.Get(); ok {
			v := uint8(0)
			if up {
				v = 1
			}
			nae.Uint8(attrLinkStateLink, v)
		}
		return nil
	})
}

func (st *settingsState) fillWOL(ae *netlink.AttributeEncoder) {
	wol := st.wol
	ae.Nested(AttrSettingsWOL, func(nae *netlink.AttributeEncoder) error {
		b := make([]byte, 8)
		nlenc.PutUint32(b[0:4], uint32(wol.Modes))
		nlenc.PutUint32(b[4:8], uint32(wol.Supported))
		nae.Bytes(AttrWOLModes, b)
		// The SecureOn password is only disclosed to privileged
		// requests and never broadcast.
		if st.req.privileged {
			nae.Bytes(AttrWOLSOPass, wol.SOPass[:])
		}
		return nil
	})
}

// SET side.

var setSettingsPolicy = policy{
	AttrSettingsDev:       {kind: kindNested},
	AttrSettingsInfoMask:  {kind: kindReject},
	AttrSettingsCompact:   {kind: kindReject},
	AttrSettingsLinkInfo:  {kind: kindNested},
	AttrSettingsLinkModes: {kind: kindNested},
	AttrSettingsLinkState: {kind: kindReject},
	AttrSettingsWOL:       {kind: kindNested},
}

var setLinkInfoPolicy = policy{
	AttrLinkInfoPort:        {kind: kindU8},
	AttrLinkInfoPhyAddress:  {kind: kindU8},
	AttrLinkInfoMDIX:        {kind: kindReject},
	AttrLinkInfoMDIXCtrl:    {kind: kindU8},
	AttrLinkInfoTransceiver: {kind: kindReject},
	AttrLinkInfoMDIOSupport: {kind: kindReject},
}

var setLinkModesPolicy = policy{
	AttrLinkModesAutoneg: {kind: kindU8},
	AttrLinkModesOurs:    {kind: kindNested},
	AttrLinkModesPeer:    {kind: kindReject},
	AttrLinkModesSpeed:   {kind: kindU32},
	AttrLinkModesDuplex:  {kind: kindU8},
}

var setWOLPolicy = policy{
	AttrWOLModes:  {kind: kindBitfield32},
	AttrWOLSOPass: {kind: kindBinary, maxLen: sopassMax},
}

// setSettings handles a SET_SETTINGS request: resolve the device, merge
// the supplied attributes into the driver's current values, apply, and
// notify the monitor group about the aspects which actually changed.
// The notification reflects only aspects whose setter succeeded.
func setSettings(s *Server, req *Request) error {
	tb, err := parseAttrs(req.Data, setSettingsPolicy)
	if err != nil {
		return err
	}

	nest, ok := tb.get(AttrSettingsDev)
	dev, err := s.resolveDevice(nest, ok, AttrSettingsDev)
	if err != nil {
		return err
	}
	defer dev.put()

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := devBegin(dev); err != nil {
		return err
	}
	defer devComplete(dev)

	var mask uint32
	defer func() {
		if mask != 0 {
			s.notifyChange(dev, CommandSetSettings, mask)
		}
	}()

	_, haveInfo := tb.get(AttrSettingsLinkInfo)
	_, haveModes := tb.get(AttrSettingsLinkModes)
	if haveInfo || haveModes {
		m, err := updateKsettings(dev, tb)
		mask |= m
		if err != nil {
			return err
		}
	}

	if wnest, ok := tb.get(AttrSettingsWOL); ok {
		changed, err := updateWOL(dev, wnest)
		if changed {
			mask |= InfoWOL
		}
		if err != nil {
			return err
		}
	}

	return nil
}

// updateKsettings merges link info and link mode attributes into the
// device's link settings and applies them with a single setter call.
// The returned mask names the aspects the setter accepted.
func updateKsettings(dev *Device, tb attrList) (uint32, error) {
	if dev.Ops.LinkSettings == nil || dev.Ops.SetLinkSettings == nil {
		return 0, errMsg(unix.EOPNOTSUPP, "link settings are not supported")
	}

	ks, err := dev.Ops.LinkSettings()
	if err != nil {
		return 0, wrapDriverError(err, "failed to retrieve link settings")
	}

	var mask uint32
	if nest, ok := tb.get(AttrSettingsLinkInfo); ok {
		mod, err := updateLinkInfo(ks, nest)
		if err != nil {
			return 0, err
		}
		if mod {
			mask |= InfoLinkInfo
		}
	}
	if nest, ok := tb.get(AttrSettingsLinkModes); ok {
		mod, err := updateLinkModes(ks, nest)
		if err != nil {
			return 0, err
		}
		if mod {
			mask |= InfoLinkModes
		}
	}
	if mask == 0 {
		return 0, nil
	}

	if err := dev.Ops.SetLinkSettings(ks); err != nil {
		return 0, wrapDriverError(err, "link settings update failed")
	}
	return mask, nil
}

func updateLinkInfo(ks *LinkSettings, nest []byte) (bool, error) {
	tb, err := parseAttrs(nest, setLinkInfoPolicy)
	if err != nil {
		return false, err
	}

	mod := false
	port := uint8(ks.Port)
	mod = updateU8(&port, tb, AttrLinkInfoPort) || mod
	ks.Port = Port(port)
	mod = updateU8(&ks.PhyAddress, tb, AttrLinkInfoPhyAddress) || mod
	mod = updateU8(&ks.MDIXCtrl, tb, AttrLinkInfoMDIXCtrl) || mod

	return mod, nil
}

func updateLinkModes(ks *LinkSettings, nest []byte) (bool, error) {
	tb, err := parseAttrs(nest, setLinkModesPolicy)
	if err != nil {
		return false, err
	}

	mod := false
	mod = updateU8(&ks.Autoneg, tb, AttrLinkModesAutoneg) || mod

	ours, haveOurs := tb.get(AttrLinkModesOurs)
	if haveOurs {
		bmod, err := updateBitset(ks.Advertising, linkModeCount, ours, linkModeNames)
		if err != nil {
			return false, err
		}
		mod = bmod || mod
	}

	mod = updateU32(&ks.Speed, tb, AttrLinkModesSpeed) || mod
	duplex := uint8(ks.Duplex)
	mod = updateU8(&duplex, tb, AttrLinkModesDuplex) || mod
	ks.Duplex = Duplex(duplex)

	// With autonegotiation on and no explicit advertising bitmap, a
	// requested speed or duplex selects the supported modes to
	// advertise.
	_, haveSpeed := tb.uint32(AttrLinkModesSpeed)
	_, haveDuplex := tb.uint8(AttrLinkModesDuplex)
	if !haveOurs && ks.Autoneg == AutonegEnable && (haveSpeed || haveDuplex) {
		if autoLinkModes(ks.Advertising, ks.Supported,
			ks.Speed, haveSpeed, ks.Duplex, haveDuplex) {
			mod = true
		}
	}

	return mod, nil
}

func updateWOL(dev *Device, nest []byte) (bool, error) {
	if dev.Ops.WakeOnLAN == nil || dev.Ops.SetWakeOnLAN == nil {
		return false, errMsg(unix.EOPNOTSUPP, "wake-on-lan is not supported")
	}

	wol, err := dev.Ops.WakeOnLAN()
	if err != nil {
		return false, wrapDriverError(err, "failed to retrieve wol info")
	}

	tb, err := parseAttrs(nest, setWOLPolicy)
	if err != nil {
		return false, err
	}

	modes := uint32(wol.Modes)
	mod := updateBitfield32(&modes, tb, AttrWOLModes)
	wol.Modes = WOLMode(modes)
	if wol.Modes&^wol.Supported != 0 {
		return false, errAttr(unix.EINVAL, AttrWOLModes,
			"cannot enable unsupported WoL mode")
	}
	if b, ok := tb.get(AttrWOLSOPass); ok {
		var sopass [sopassMax]byte
		copy(sopass[:], b)
		if sopass != wol.SOPass {
			wol.SOPass = sopass
			mod = true
		}
	}
	if !mod {
		return false, nil
	}

	if err := dev.Ops.SetWakeOnLAN(wol); err != nil {
		return false, wrapDriverError(err, "wol info update failed")
	}
	return true, nil
}

// wrapDriverError attaches an extended acknowledgement message to a
// driver error, preserving the errno when the driver returned one.
func wrapDriverError(err error, msg string) error {
	if eerr, ok := err.(*Error); ok {
		return errMsg(eerr.Errno, msg)
	}
	return errMsg(unix.EIO, msg)
}
