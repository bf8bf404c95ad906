package can

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

const (
	// MaxDataLen is the classic CAN payload limit.
	MaxDataLen = 8
	// IDMask keeps the 29-bit extended identifier.
	IDMask uint32 = 0x1FFFFFFF
	// EFFFlag marks an extended frame on the wire.
	EFFFlag uint32 = 0x80000000
)

// Frame is an immutable CAN frame as recorded on the bus.
type Frame struct {
	ID          uint32
	Data        []byte
	Description string
	CreatedAt   time.Time
}

// NewFrame copies data, truncating it to 8 bytes, and masks id to 29 bits.
func NewFrame(id uint32, data []byte, description string) Frame {
	if len(data) > MaxDataLen {
		data = data[:MaxDataLen]
	}
	return Frame{
		ID:          id & IDMask,
		Data:        append([]byte(nil), data...),
		Description: description,
		CreatedAt:   time.Now().UTC(),
	}
}

func (f Frame) DLC() uint8 { return uint8(len(f.Data)) }

func (f Frame) String() string {
	return fmt.Sprintf("%s [%d] %s %s", f.IDHex(), len(f.Data), f.DataHex(), f.Description)
}

// IDHex formats the id as 0x followed by at least three hex digits.
func (f Frame) IDHex() string { return hexID(f.ID) }

func (f Frame) DataHex() string { return hex.EncodeToString(f.Data) }

type frameJSON struct {
	CANID       string    `json:"can_id"`
	DataHex     string    `json:"data_hex"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

func (f Frame) MarshalJSON() ([]byte, error) {
	return json.Marshal(frameJSON{
		CANID:       f.IDHex(),
		DataHex:     f.DataHex(),
		Description: f.Description,
		CreatedAt:   f.CreatedAt,
	})
}

func hexID(id uint32) string { return fmt.Sprintf("0x%03X", id) }
