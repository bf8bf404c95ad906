package can

// Frame identifiers for the synthetic body and powertrain signals.
const (
	IDAlarm        uint32 = 0x310
	IDDoors        uint32 = 0x311
	IDProximity    uint32 = 0x312
	IDDriverDoor   uint32 = 0x313
	IDDoorsUnlock  uint32 = 0x314
	IDHeadlights   uint32 = 0x320
	IDIgnition     uint32 = 0x330
	IDEngineStatus uint32 = 0x331
	IDPowerReady   uint32 = 0x332
	IDAccOn        uint32 = 0x333
)

// Door bit positions in the IDDoors payload.
const (
	DoorBitDriver = iota
	DoorBitPassenger
	DoorBitRearLeft
	DoorBitRearRight
	DoorBitTrunk
	DoorBitHood
)

var doorBits = map[string]uint{
	"driver":     DoorBitDriver,
	"passenger":  DoorBitPassenger,
	"rear_left":  DoorBitRearLeft,
	"rear_right": DoorBitRearRight,
	"trunk":      DoorBitTrunk,
	"hood":       DoorBitHood,
}
