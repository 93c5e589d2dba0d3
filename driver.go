package ethnl

// sopassMax is the length of a SecureOn password.
const sopassMax = 6

// A WOLMode is a Wake-on-LAN mode bit, telling a device which kinds of
// traffic should wake it.
type WOLMode uint32

// Possible WOLMode values.
const (
	PHY         WOLMode = 1 << 0
	Unicast     WOLMode = 1 << 1
	Multicast   WOLMode = 1 << 2
	Broadcast   WOLMode = 1 << 3
	ARP         WOLMode = 1 << 4
	Magic       WOLMode = 1 << 5
	MagicSecure WOLMode = 1 << 6
	Filter      WOLMode = 1 << 7
)

// LinkSettings is the link configuration of a device: connector and PHY
// parameters along with the supported, advertised and peer-advertised
// link mode bitmaps.
type LinkSettings struct {
	Port        Port
	PhyAddress  uint8
	MDIX        uint8
	MDIXCtrl    uint8
	Transceiver uint8
	Autoneg     uint8
	Speed       uint32
	Duplex      Duplex

	Supported       Bitset
	Advertising     Bitset
	PeerAdvertising Bitset
}

// WakeOnLAN is the Wake-on-LAN configuration of a device. Supported
// enumerates the modes the device can honor, Modes the ones currently
// enabled. SOPass is only disclosed to privileged requests.
type WakeOnLAN struct {
	Supported WOLMode
	Modes     WOLMode
	SOPass    [sopassMax]byte
}

// Coalesce is the interrupt coalescing configuration of a device.
type Coalesce struct {
	RXUsecs            uint32
	RXMaxFrames        uint32
	RXUsecsIRQ         uint32
	RXMaxFramesIRQ     uint32
	TXUsecs            uint32
	TXMaxFrames        uint32
	TXUsecsIRQ         uint32
	TXMaxFramesIRQ     uint32
	StatsBlockUsecs    uint32
	UseAdaptiveRX      bool
	UseAdaptiveTX      bool
	PktRateLow         uint32
	RXUsecsLow         uint32
	RXMaxFramesLow     uint32
	TXUsecsLow         uint32
	TXMaxFramesLow     uint32
	PktRateHigh        uint32
	RXUsecsHigh        uint32
	RXMaxFramesHigh    uint32
	TXUsecsHigh        uint32
	TXMaxFramesHigh    uint32
	RateSampleInterval uint32
}

// Rings is the ring size configuration of a device. The maximum fields
// are fixed device limits and cannot be set.
type Rings struct {
	RXMax      uint32
	RXMiniMax  uint32
	RXJumboMax uint32
	TXMax      uint32
	RX         uint32
	RXMini     uint32
	RXJumbo    uint32
	TX         uint32
}

// Pause is the pause frame configuration of a device.
type Pause struct {
	Autoneg bool
	RX      bool
	TX      bool
}

// Channels is the channel count configuration of a device. The maximum
// fields are fixed device limits and cannot be set.
type Channels struct {
	RXMax       uint32
	TXMax       uint32
	OtherMax    uint32
	CombinedMax uint32
	RX          uint32
	TX          uint32
	Other       uint32
	Combined    uint32
}

// DriverOps is the set of callbacks a device driver provides to the
// engine. Any callback may be nil, meaning the device does not support
// the corresponding operation; getters and setters come in pairs and a
// SET requires both.
//
// All callbacks are invoked with the Server's lock held, one at a time,
// bracketed by Begin and Complete when those are provided.
type DriverOps struct {
	// Begin is invoked before a run of other callbacks, Complete after,
	// letting a driver power up and down around access.
	Begin    func() error
	Complete func()

	LinkSettings    func() (*LinkSettings, error)
	SetLinkSettings func(*LinkSettings) error

	// Link reports whether the link is up. A nil callback leaves link
	// state unreported rather than unsupported.
	Link func() (bool, error)

	WakeOnLAN    func() (*WakeOnLAN, error)
	SetWakeOnLAN func(*WakeOnLAN) error

	Coalesce    func() (*Coalesce, error)
	SetCoalesce func(*Coalesce) error

	Rings    func() (*Rings, error)
	SetRings func(*Rings) error

	Pause    func() (*Pause, error)
	SetPause func(*Pause) error

	Channels    func() (*Channels, error)
	SetChannels func(*Channels) error

	// StringSet returns the strings of a per-device string set, or
	// ErrNotSupported if the device does not provide the set.
	StringSet func(id StringSetID) ([]string, error)
}

// devBegin runs the device's Begin callback, if any.
func devBegin(d *Device) error {
	if d.Ops.Begin != nil {
		return d.Ops.Begin()
	}

	return nil
}

// devComplete runs the device's Complete callback, if any.
func devComplete(d *Device) {
	if d.Ops.Complete != nil {
		d.Ops.Complete()
	}
}
