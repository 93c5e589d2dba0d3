package ethnl

// A Port is the physical connector type of a device.
type Port uint8

// Possible Port values.
const (
	TwistedPair  Port = 0x00
	AUI          Port = 0x01
	MII          Port = 0x02
	Fibre        Port = 0x03
	BNC          Port = 0x04
	DirectAttach Port = 0x05
	None         Port = 0xef
	Other        Port = 0xff
)

// A Duplex is the duplex mode of a link.
type Duplex uint8

// Possible Duplex values.
const (
	Half          Duplex = 0x00
	Full          Duplex = 0x01
	UnknownDuplex Duplex = 0xff
)

// Autonegotiation states carried in link mode nests.
const (
	AutonegDisable uint8 = 0x00
	AutonegEnable  uint8 = 0x01
)

// SpeedUnknown is the speed reported when a device cannot determine its
// link speed.
const SpeedUnknown = ^uint32(0)

// A linkMode describes one bit of the link mode bitmaps: its canonical
// name and, for media modes, the speed and duplex it implies. Modes
// which do not carry a speed, such as Autoneg or the pause bits, use
// SpeedUnknown.
type linkMode struct {
	name   string
	speed  uint32
	duplex Duplex
}

// linkModes is the catalog of known link mode bits, indexed by bit
// number. Bit numbers and names are ABI and must never change.
var linkModes = []linkMode{
	{name: "10baseT/Half", speed: 10, duplex: Half},
	{name: "10baseT/Full", speed: 10, duplex: Full},
	{name: "100baseT/Half", speed: 100, duplex: Half},
	{name: "100baseT/Full", speed: 100, duplex: Full},
	{name: "1000baseT/Half", speed: 1000, duplex: Half},
	{name: "1000baseT/Full", speed: 1000, duplex: Full},
	{name: "Autoneg", speed: SpeedUnknown},
	{name: "TP", speed: SpeedUnknown},
	{name: "AUI", speed: SpeedUnknown},
	{name: "MII", speed: SpeedUnknown},
	{name: "FIBRE", speed: SpeedUnknown},
	{name: "BNC", speed: SpeedUnknown},
	{name: "10000baseT/Full", speed: 10000, duplex: Full},
	{name: "Pause", speed: SpeedUnknown},
	{name: "Asym_Pause", speed: SpeedUnknown},
	{name: "2500baseX/Full", speed: 2500, duplex: Full},
	{name: "Backplane", speed: SpeedUnknown},
	{name: "1000baseKX/Full", speed: 1000, duplex: Full},
	{name: "10000baseKX4/Full", speed: 10000, duplex: Full},
	{name: "10000baseKR/Full", speed: 10000, duplex: Full},
	{name: "10000baseR_FEC", speed: 10000, duplex: Full},
	{name: "20000baseMLD2/Full", speed: 20000, duplex: Full},
	{name: "20000baseKR2/Full", speed: 20000, duplex: Full},
	{name: "40000baseKR4/Full", speed: 40000, duplex: Full},
	{name: "40000baseCR4/Full", speed: 40000, duplex: Full},
	{name: "40000baseSR4/Full", speed: 40000, duplex: Full},
	{name: "40000baseLR4/Full", speed: 40000, duplex: Full},
	{name: "56000baseKR4/Full", speed: 56000, duplex: Full},
	{name: "56000baseCR4/Full", speed: 56000, duplex: Full},
	{name: "56000baseSR4/Full", speed: 56000, duplex: Full},
	{name: "56000baseLR4/Full", speed: 56000, duplex: Full},
	{name: "25000baseCR/Full", speed: 25000, duplex: Full},
	{name: "25000baseKR/Full", speed: 25000, duplex: Full},
	{name: "25000baseSR/Full", speed: 25000, duplex: Full},
	{name: "50000baseCR2/Full", speed: 50000, duplex: Full},
	{name: "50000baseKR2/Full", speed: 50000, duplex: Full},
	{name: "100000baseKR4/Full", speed: 100000, duplex: Full},
	{name: "100000baseSR4/Full", speed: 100000, duplex: Full},
	{name: "100000baseCR4/Full", speed: 100000, duplex: Full},
	{name: "100000baseLR4_ER4/Full", speed: 100000, duplex: Full},
	{name: "50000baseSR2/Full", speed: 50000, duplex: Full},
	{name: "1000baseX/Full", speed: 1000, duplex: Full},
	{name: "10000baseCR/Full", speed: 10000, duplex: Full},
	{name: "10000baseSR/Full", speed: 10000, duplex: Full},
	{name: "10000baseLR/Full", speed: 10000, duplex: Full},
	{name: "10000baseLRM/Full", speed: 10000, duplex: Full},
	{name: "10000baseER/Full", speed: 10000, duplex: Full},
	{name: "2500baseT/Full", speed: 2500, duplex: Full},
	{name: "5000baseT/Full", speed: 5000, duplex: Full},
}

// linkModeCount is the number of bits in the link mode bitmaps.
var linkModeCount = len(linkModes)

// linkModeNames carries the catalog names alone, in bit order, for the
// bitset codec and the global string set.
var linkModeNames = func() []string {
	names := make([]string, len(linkModes))
	for i, m := range linkModes {
		names[i] = m.name
	}
	return names
}()

// autoLinkModes derives an advertising bitmap from requested speed and
// duplex when a request enables autonegotiation without supplying
// explicit modes: every supported media mode matching the request is
// advertised, everything else is not. It reports whether the bitmap
// changed.
func autoLinkModes(advertising, supported Bitset, speed uint32, haveSpeed bool, duplex Duplex, haveDuplex bool) bool {
	want := advertising.Clone()
	for i, m := range linkModes {
		if m.speed == SpeedUnknown {
			continue
		}
		match := supported.Test(i) &&
			(!haveSpeed || m.speed == speed) &&
			(!haveDuplex || m.duplex == duplex)
		if match {
			want.Set(i)
		} else {
			want.Clear(i)
		}
	}

	if want.Equal(advertising) {
		return false
	}
	copy(advertising, want)
	return true
}
