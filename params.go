package ethnl

import (
	"github.com/mdlayher/netlink"
	"golang.org/x/sys/unix"
)

// Info mask bits of params requests and notifications.
const (
	InfoCoalesce uint32 = 1 << iota
	InfoRing
	InfoPause
	InfoChannels

	infoParamsAll = InfoCoalesce | InfoRing | InfoPause | InfoChannels
)

var paramsRequestOps = getRequestOps{
	requestCmd:   CommandGetParams,
	replyCmd:     CommandSetParams,
	devAttr:      AttrParamsDev,
	allowNoDevDo: false,
	newState:     func() getState { return &paramsState{} },
}

var getParamsPolicy = policy{
	AttrParamsDev:      {kind: kindNested},
	AttrParamsInfoMask: {kind: kindU32},
	AttrParamsCompact:  {kind: kindFlag},
	AttrParamsCoalesce: {kind: kindReject},
	AttrParamsRing:     {kind: kindReject},
	AttrParamsPause:    {kind: kindReject},
	AttrParamsChannels: {kind: kindReject},
}

// paramsState carries one params request through the GET pipeline.
type paramsState struct {
	commonState

	coalesce *Coalesce
	ring     *Rings
	pause    *Pause
	channels *Channels
}

func (st *paramsState) reset() {
	st.rep = replyData{}
	st.coalesce = nil
	st.ring = nil
	st.pause = nil
	st.channels = nil
}

func (st *paramsState) parseRequest(s *Server, req *Request, ctx *opCtx) error {
	return st.parseGetRequest(s, req, ctx, getParamsPolicy,
		AttrParamsDev, AttrParamsInfoMask, AttrParamsCompact,
		infoParamsAll)
}

func (st *paramsState) prepareData(s *Server, ctx *opCtx) error {
	dev := st.rep.dev
	mask := st.req.reqMask

	if err := devBegin(dev); err != nil {
		return err
	}
	defer devComplete(dev)

	if mask&InfoCoalesce != 0 {
		if dev.Ops.Coalesce == nil {
			mask &^= InfoCoalesce
		} else if c, err := dev.Ops.Coalesce(); err != nil {
			mask &^= InfoCoalesce
		} else {
			st.coalesce = c
		}
	}
	if mask&InfoRing != 0 {
		if dev.Ops.Rings == nil {
			mask &^= InfoRing
		} else if r, err := dev.Ops.Rings(); err != nil {
			mask &^= InfoRing
		} else {
			st.ring = r
		}
	}
	if mask&InfoPause != 0 {
		if dev.Ops.Pause == nil {
			mask &^= InfoPause
		} else if p, err := dev.Ops.Pause(); err != nil {
			mask &^= InfoPause
		} else {
			st.pause = p
		}
	}
	if mask&InfoChannels != 0 {
		if dev.Ops.Channels == nil {
			mask &^= InfoChannels
		} else if c, err := dev.Ops.Channels(); err != nil {
			mask &^= InfoChannels
		} else {
			st.channels = c
		}
	}

	st.rep.infoMask = mask
	if st.req.reqMask&^mask != 0 {
		ctx.warnPartial()
	}
	return nil
}

func (st *paramsState) replySize() (int, error) {
	var size int
	if st.rep.infoMask&InfoCoalesce != 0 {
		size += attrSize(20*attrSize(4) + 2*attrSize(1))
	}
	if st.rep.infoMask&InfoRing != 0 {
		size += attrSize(8 * attrSize(4))
	}
	if st.rep.infoMask&InfoPause != 0 {
		size += attrSize(3 * attrSize(1))
	}
	if st.rep.infoMask&InfoChannels != 0 {
		size += attrSize(8 * attrSize(4))
	}
	return size, nil
}

func (st *paramsState) fillReply(ae *netlink.AttributeEncoder) error {
	if st.rep.infoMask&InfoCoalesce != 0 {
		fillCoalesce(ae, st.coalesce)
	}
	if st.rep.infoMask&InfoRing != 0 {
		fillRing(ae, st.ring)
	}
	if st.rep.infoMask&InfoPause != 0 {
		fillPause(ae, st.pause)
	}
	if st.rep.infoMask&InfoChannels != 0 {
		fillChannels(ae, st.channels)
	}
	return nil
}

func boolU8(v bool) uint8 {
	if v {
		return 1
	}
	return 0
}

func fillCoalesce(ae *netlink.AttributeEncoder, c *Coalesce) {
	ae.Nested(AttrParamsCoalesce, func(nae *netlink.AttributeEncoder) error {
		nae.Uint32(AttrCoalesceRXUsecs, c.RXUsecs)
		nae.Uint32(AttrCoalesceRXMaxFrames, c.RXMaxFrames)
		nae.Uint32(AttrCoalesceRXUsecsIRQ, c.RXUsecsIRQ)
		nae.Uint32(AttrCoalesceRXMaxFramesIRQ, c.RXMaxFramesIRQ)
		nae.Uint32(AttrCoalesceTXUsecs, c.TXUsecs)
		nae.Uint32(AttrCoalesceTXMaxFrames, c.TXMaxFrames)
		nae.Uint32(AttrCoalesceTXUsecsIRQ, c.TXUsecsIRQ)
		nae.Uint32(AttrCoalesceTXMaxFramesIRQ, c.TXMaxFramesIRQ)
		nae.Uint32(AttrCoalesceStatsBlockUsecs, c.StatsBlockUsecs)
		nae.Uint8(AttrCoalesceUseAdaptiveRX, boolU8(c.UseAdaptiveRX))
		nae.Uint8(AttrCoalesceUseAdaptiveTX, boolU8(c.UseAdaptiveTX))
		nae.Uint32(AttrCoalescePktRateLow, c.PktRateLow)
		nae.Uint32(AttrCoalesceRXUsecsLow, c.RXUsecsLow)
		nae.Uint32(AttrCoalesceRXMaxFramesLow, c.RXMaxFramesLow)
		nae.Uint32(AttrCoalesceTXUsecsLow, c.TXUsecsLow)
		nae.Uint32(AttrCoalesceTXMaxFramesLow, c.TXMaxFramesLow)
		nae.Uint32(AttrCoalescePktRateHigh, c.PktRateHigh)
		nae.Uint32(AttrCoalesceRXUsecsHigh, c.RXUsecsHigh)
		nae.Uint32(AttrCoalesceRXMaxFramesHigh, c.RXMaxFramesHigh)
		nae.Uint32(AttrCoalesceTXUsecsHigh, c.TXUsecsHigh)
		nae.Uint32(AttrCoalesceTXMaxFramesHigh, c.TXMaxFramesHigh)
		nae.Uint32(AttrCoalesceRateSampleInterval, c.RateSampleInterval)
		return nil
	})
}

func fillRing(ae *netlink.AttributeEncoder, r *Rings) {
	ae.Nested(AttrParamsRing, func(nae *netlink.AttributeEncoder) error {
		nae.Uint32(AttrRingRXMax, r.RXMax)
		nae.Uint32(AttrRingRXMiniMax, r.RXMiniMax)
		nae.Uint32(AttrRingRXJumboMax, r.RXJumboMax)
		nae.Uint32(AttrRingTXMax, r.TXMax)
		nae.Uint32(AttrRingRX, r.RX)
		nae.Uint32(AttrRingRXMini, r.RXMini)
		nae.Uint32(AttrRingRXJumbo, r.RXJumbo)
		nae.Uint32(AttrRingTX, r.TX)
		return nil
	})
}

func fillPause(ae *netlink.AttributeEncoder, p *Pause) {
	ae.Nested(AttrParamsPause, func(nae *netlink.AttributeEncoder) error {
		nae.Uint8(AttrPauseAutoneg, boolU8(p.Autoneg))
		nae.Uint8(AttrPauseRX, boolU8(p.RX))
		nae.Uint8(AttrPauseTX, boolU8(p.TX))
		return nil
	})
}

func fillChannels(ae *netlink.AttributeEncoder, c *Channels) {
	ae.Nested(AttrParamsChannels, func(nae *netlink.AttributeEncoder) error {
		nae.Uint32(AttrChannelsRXMax, c.RXMax)
		nae.Uint32(AttrChannelsTXMax, c.TXMax)
		nae.Uint32(AttrChannelsOtherMax, c.OtherMax)
		nae.Uint32(AttrChannelsCombinedMax, c.CombinedMax)
		nae.Uint32(AttrChannelsRX, c.RX)
		nae.Uint32(AttrChannelsTX, c.TX)
		nae.Uint32(AttrChannelsOther, c.Other)
		nae.Uint32(AttrChannelsCombined, c.Combined)
		return nil
	})
}

// SET side.

var setParamsPolicy = policy{
	AttrParamsDev:      {kind: kindNested},
	AttrParamsInfoMask: {kind: kindReject},
	AttrParamsCompact:  {kind: kindReject},
	AttrParamsCoalesce: {kind: kindNested},
	AttrParamsRing:     {kind: kindNested},
	AttrParamsPause:    {kind: kindNested},
	AttrParamsChannels: {kind: kindNested},
}

var setCoalescePolicy = policy{
	AttrCoalesceRXUsecs:            {kind: kindU32},
	AttrCoalesceRXMaxFrames:        {kind: kindU32},
	AttrCoalesceRXUsecsIRQ:         {kind: kindU32},
	AttrCoalesceRXMaxFramesIRQ:     {kind: kindU32},
	AttrCoalesceTXUsecs:            {kind: kindU32},
	AttrCoalesceTXMaxFrames:        {kind: kindU32},
	AttrCoalesceTXUsecsIRQ:         {kind: kindU32},
	AttrCoalesceTXMaxFramesIRQ:     {kind: kindU32},
	AttrCoalesceStatsBlockUsecs:    {kind: kindU32},
	AttrCoalesceUseAdaptiveRX:      {kind: kindU8},
	AttrCoalesceUseAdaptiveTX:      {kind: kindU8},
	AttrCoalescePktRateLow:         {kind: kindU32},
	AttrCoalesceRXUsecsLow:         {kind: kindU32},
	AttrCoalesceRXMaxFramesLow:     {kind: kindU32},
	AttrCoalesceTXUsecsLow:         {kind: kindU32},
	AttrCoalesceTXMaxFramesLow:     {kind: kindU32},
	AttrCoalescePktRateHigh:        {kind: kindU32},
	AttrCoalesceRXUsecsHigh:        {kind: kindU32},
	AttrCoalesceRXMaxFramesHigh:    {kind: kindU32},
	AttrCoalesceTXUsecsHigh:        {kind: kindU32},
	AttrCoalesceTXMaxFramesHigh:    {kind: kindU32},
	AttrCoalesceRateSampleInterval: {kind: kindU32},
}

var setRingPolicy = policy{
	AttrRingRXMax:      {kind: kindReject},
	AttrRingRXMiniMax:  {kind: kindReject},
	AttrRingRXJumboMax: {kind: kindReject},
	AttrRingTXMax:      {kind: kindReject},
	AttrRingRX:         {kind: kindU32},
	AttrRingRXMini:     {kind: kindU32},
	AttrRingRXJumbo:    {kind: kindU32},
	AttrRingTX:         {kind: kindU32},
}

var setPausePolicy = policy{
	AttrPauseAutoneg: {kind: kindU8},
	AttrPauseRX:      {kind: kindU8},
	AttrPauseTX:      {kind: kindU8},
}

var setChannelsPolicy = policy{
	AttrChannelsRXMax:       {kind: kindReject},
	AttrChannelsTXMax:       {kind: kindReject},
	AttrChannelsOtherMax:    {kind: kindReject},
	AttrChannelsCombinedMax: {kind: kindReject},
	AttrChannelsRX:          {kind: kindU32},
	AttrChannelsTX:          {kind: kindU32},
	AttrChannelsOther:       {kind: kindU32},
	AttrChannelsCombined:    {kind: kindU32},
}

// setParams handles a SET_PARAMS request. Each supplied nest is merged
// into the driver's current values and applied independently; a failing
// aspect does not undo the ones applied before it, and the notification
// covers exactly the aspects which were applied.
func setParams(s *Server, req *Request) error {
	tb, err := parseAttrs(req.Data, setParamsPolicy)
	if err != nil {
		return err
	}

	nest, ok := tb.get(AttrParamsDev)
	dev, err := s.resolveDevice(nest, ok, AttrParamsDev)
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
			s.notifyChange(dev, CommandSetParams, mask)
		}
	}()

	aspects := []struct {
		attr   uint16
		bit    uint32
		update func(*Device, []byte) (bool, error)
	}{
		{AttrParamsCoalesce, InfoCoalesce, updateCoalesce},
		{AttrParamsRing, InfoRing, updateRing},
		{AttrParamsPause, InfoPause, updatePause},
		{AttrParamsChannels, InfoChannels, updateChannels},
	}
	for _, a := range aspects {
		nest, ok := tb.get(a.attr)
		if !ok {
			continue
		}
		changed, err := a.update(dev, nest)
		if changed {
			mask |= a.bit
		}
		if err != nil {
			return err
		}
	}

	return nil
}

func updateCoalesce(dev *Device, nest []byte) (bool, error) {
	if dev.Ops.Coalesce == nil || dev.Ops.SetCoalesce == nil {
		return false, errMsg(unix.EOPNOTSUPP, "coalescing is not supported")
	}

	c, err := dev.Ops.Coalesce()
	if err != nil {
		return false, wrapDriverError(err, "failed to retrieve coalescing parameters")
	}

	tb, err := parseAttrs(nest, setCoalescePolicy)
	if err != nil {
		return false, err
	}

	mod := false
	mod = updateU32(&c.RXUsecs, tb, AttrCoalesceRXUsecs) || mod
	mod = updateU32(&c.RXMaxFrames, tb, AttrCoalesceRXMaxFrames) || mod
	mod = updateU32(&c.RXUsecsIRQ, tb, AttrCoalesceRXUsecsIRQ) || mod
	mod = updateU32(&c.RXMaxFramesIRQ, tb, AttrCoalesceRXMaxFramesIRQ) || mod
	mod = updateU32(&c.TXUsecs, tb, AttrCoalesceTXUsecs) || mod
	mod = updateU32(&c.TXMaxFrames, tb, AttrCoalesceTXMaxFrames) || mod
	mod = updateU32(&c.TXUsecsIRQ, tb, AttrCoalesceTXUsecsIRQ) || mod
	mod = updateU32(&c.TXMaxFramesIRQ, tb, AttrCoalesceTXMaxFramesIRQ) || mod
	mod = updateU32(&c.StatsBlockUsecs, tb, AttrCoalesceStatsBlockUsecs) || mod
	mod = updateBool(&c.UseAdaptiveRX, tb, AttrCoalesceUseAdaptiveRX) || mod
	mod = updateBool(&c.UseAdaptiveTX, tb, AttrCoalesceUseAdaptiveTX) || mod
	mod = updateU32(&c.PktRateLow, tb, AttrCoalescePktRateLow) || mod
	mod = updateU32(&c.RXUsecsLow, tb, AttrCoalesceRXUsecsLow) || mod
	mod = updateU32(&c.RXMaxFramesLow, tb, AttrCoalesceRXMaxFramesLow) || mod
	mod = updateU32(&c.TXUsecsLow, tb, AttrCoalesceTXUsecsLow) || mod
	mod = updateU32(&c.TXMaxFramesLow, tb, AttrCoalesceTXMaxFramesLow) || mod
	mod = updateU32(&c.PktRateHigh, tb, AttrCoalescePktRateHigh) || mod
	mod = updateU32(&c.RXUsecsHigh, tb, AttrCoalesceRXUsecsHigh) || mod
	mod = updateU32(&c.RXMaxFramesHigh, tb, AttrCoalesceRXMaxFramesHigh) || mod
	mod = updateU32(&c.TXUsecsHigh, tb, AttrCoalesceTXUsecsHigh) || mod
	mod = updateU32(&c.TXMaxFramesHigh, tb, AttrCoalesceTXMaxFramesHigh) || mod
	mod = updateU32(&c.RateSampleInterval, tb, AttrCoalesceRateSampleInterval) || mod
	if !mod {
		return false, nil
	}

	if err := dev.Ops.SetCoalesce(c); err != nil {
		return false, wrapDriverError(err, "coalescing parameters update failed")
	}
	return true, nil
}

func updateRing(dev *Device, nest []byte) (bool, error) {
	if dev.Ops.Rings == nil || dev.Ops.SetRings == nil {
		return false, errMsg(unix.EOPNOTSUPP, "ring parameters are not supported")
	}

	r, err := dev.Ops.Rings()
	if err != nil {
		return false, wrapDriverError(err, "failed to retrieve ring parameters")
	}

	tb, err := parseAttrs(nest, setRingPolicy)
	if err != nil {
		return false, err
	}

	mod := false
	mod = updateU32(&r.RX, tb, AttrRingRX) || mod
	mod = updateU32(&r.RXMini, tb, AttrRingRXMini) || mod
	mod = updateU32(&r.RXJumbo, tb, AttrRingRXJumbo) || mod
	mod = updateU32(&r.TX, tb, AttrRingTX) || mod
	if !mod {
		return false, nil
	}

	limits := []struct {
		attr     uint16
		val, max uint32
	}{
		{AttrRingRX, r.RX, r.RXMax},
		{AttrRingRXMini, r.RXMini, r.RXMiniMax},
		{AttrRingRXJumbo, r.RXJumbo, r.RXJumboMax},
		{AttrRingTX, r.TX, r.TXMax},
	}
	for _, l := range limits {
		if l.val > l.max {
			return false, errAttr(unix.EINVAL, l.attr,
				"requested ring size exceeds maximum")
		}
	}

	if err := dev.Ops.SetRings(r); err != nil {
		return false, wrapDriverError(err, "ring parameters update failed")
	}
	return true, nil
}

func updatePause(dev *Device, nest []byte) (bool, error) {
	if dev.Ops.Pause == nil || dev.Ops.SetPause == nil {
		return false, errMsg(unix.EOPNOTSUPP, "pause parameters are not supported")
	}

	p, err := dev.Ops.Pause()
	if err != nil {
		return false, wrapDriverError(err, "failed to retrieve pause parameters")
	}

	tb, err := parseAttrs(nest, setPausePolicy)
	if err != nil {
		return false, err
	}

	mod := false
	mod = updateBool(&p.Autoneg, tb, AttrPauseAutoneg) || mod
	mod = updateBool(&p.RX, tb, AttrPauseRX) || mod
	mod = updateBool(&p.TX, tb, AttrPauseTX) || mod
	if !mod {
		return false, nil
	}

	if err := dev.Ops.SetPause(p); err != nil {
		return false, wrapDriverError(err, "pause parameters update failed")
	}
	return true, nil
}

func updateChannels(dev *Device, nest []byte) (bool, error) {
	if dev.Ops.Channels == nil || dev.Ops.SetChannels == nil {
		return false, errMsg(unix.EOPNOTSUPP, "channels are not supported")
	}

	c, err := dev.Ops.Channels()
	if err != nil {
		return false, wrapDriverError(err, "failed to retrieve channel counts")
	}

	tb, err := parseAttrs(nest, setChannelsPolicy)
	if err != nil {
		return false, err
	}

	mod := false
	mod = updateU32(&c.RX, tb, AttrChannelsRX) || mod
	mod = updateU32(&c.TX, tb, AttrChannelsTX) || mod
	mod = updateU32(&c.Other, tb, AttrChannelsOther) || mod
	mod = updateU32(&c.Combined, tb, AttrChannelsCombined) || mod
	if !mod {
		return false, nil
	}

	limits := []struct {
		attr     uint16
		val, max uint32
	}{
		{AttrChannelsRX, c.RX, c.RXMax},
		{AttrChannelsTX, c.TX, c.TXMax},
		{AttrChannelsOther, c.Other, c.OtherMax},
		{AttrChannelsCombined, c.Combined, c.CombinedMax},
	}
	for _, l := range limits {
		if l.val > l.max {
			return false, errAttr(unix.EINVAL, l.attr,
				"requested channel count exceeds maximum")
		}
	}

	if err := dev.Ops.SetChannels(c); err != nil {
		return false, wrapDriverError(err, "channel counts update failed")
	}
	return true, nil
}
