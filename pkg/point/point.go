// Package point defines the chain-location types shared by every
// mini-protocol: a Point on the chain and a peer's current Tip.
package point

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Point is either Origin (genesis) or a Specific slot/hash pair.
//
// On the wire it is a CBOR array: zero elements for Origin, two
// elements (slot, hash) for Specific.
type Point struct {
	specific bool
	Slot     uint64
	Hash     []byte
}

// Origin is the genesis point.
var Origin = Point{}

// New builds a Specific point at the given slot and block hash.
func New(slot uint64, hash []byte) Point {
	return Point{specific: true, Slot: slot, Hash: hash}
}

// IsOrigin reports whether this is the genesis point.
func (p Point) IsOrigin() bool {
	return !p.specific
}

// SlotOrZero returns the slot number, or 0 for Origin.
func (p Point) SlotOrZero() uint64 {
	if !p.specific {
		return 0
	}
	return p.Slot
}

func (p Point) String() string {
	if !p.specific {
		return "Origin"
	}
	return fmt.Sprintf("(%d, %x)", p.Slot, p.Hash)
}

// Equal reports structural equality.
func (p Point) Equal(o Point) bool {
	if p.specific != o.specific {
		return false
	}
	if !p.specific {
		return true
	}
	if p.Slot != o.Slot {
		return false
	}
	if len(p.Hash) != len(o.Hash) {
		return false
	}
	for i := range p.Hash {
		if p.Hash[i] != o.Hash[i] {
			return false
		}
	}
	return true
}

// MarshalCBOR implements cbor.Marshaler with the pallas wire shape:
// an empty array for Origin, a 2-element [slot, hash] array otherwise.
func (p Point) MarshalCBOR() ([]byte, error) {
	if !p.specific {
		return cbor.Marshal([0]int{})
	}
	return cbor.Marshal([2]interface{}{p.Slot, p.Hash})
}

// UnmarshalCBOR implements cbor.Unmarshaler.
func (p *Point) UnmarshalCBOR(data []byte) error {
	var raw []cbor.RawMessage
	if err := cbor.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch len(raw) {
	case 0:
		*p = Origin
		return nil
	case 2:
		var slot uint64
		var hash []byte
		if err := cbor.Unmarshal(raw[0], &slot); err != nil {
			return fmt.Errorf("point: decode slot: %w", err)
		}
		if err := cbor.Unmarshal(raw[1], &hash); err != nil {
			return fmt.Errorf("point: decode hash: %w", err)
		}
		*p = New(slot, hash)
		return nil
	default:
		return fmt.Errorf("point: array of size %d is not a valid Point", len(raw))
	}
}

// Tip is a peer's current best chain location and its height.
type Tip struct {
	Point       Point
	BlockHeight uint64
}

func (t Tip) String() string {
	return fmt.Sprintf("Tip{%s @ %d}", t.Point, t.BlockHeight)
}
