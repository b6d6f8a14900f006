// Package segment implements the 8-byte Ouroboros wire frame header:
// a reader-monotonic transmit time, a protocol ID with its
// responder-side flag, and a payload length, followed immediately by
// the payload itself. See spec.md §4.2 and §6.
package segment

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"
)

// MaxPayload is the largest payload a single segment can carry.
const MaxPayload = 65535

// HeaderSize is the size in bytes of the fixed wire header.
const HeaderSize = 8

// responderFlag is the top bit of the 16-bit protocol ID field.
const responderFlag = uint16(1) << 15

// ErrPayloadTooLarge is returned by Encode when the payload exceeds
// MaxPayload; callers are expected to fragment it themselves first.
var ErrPayloadTooLarge = errors.New("segment: payload exceeds 65535 bytes")

var (
	processStart     time.Time
	processStartOnce sync.Once
)

// now returns the low 32 bits of a monotonic nanosecond clock measured
// since the codec's first use, per spec.md §4.2. The origin is not
// standardized across Ouroboros implementations; receivers must not
// reject on this field (see DESIGN.md Open Question).
func now() uint32 {
	processStartOnce.Do(func() { processStart = time.Now() })
	return uint32(time.Since(processStart).Nanoseconds())
}

// Header is the decoded 8-byte segment header.
type Header struct {
	TransmitTime uint32
	ProtocolID   uint16 // low 15 bits; responder flag is stripped out, see Responder
	Responder    bool
	PayloadLen   uint16
}

// Segment is a fully decoded header plus its payload.
type Segment struct {
	Header  Header
	Payload []byte
}

// New stamps a segment with the current transmit time. responder must
// be true iff the local side is the responder of protocolID's
// mini-protocol (N2N: responders set the bit, initiators clear it).
func New(protocolID uint16, responder bool, payload []byte) (*Segment, error) {
	if len(payload) > MaxPayload {
		return nil, ErrPayloadTooLarge
	}
	return &Segment{
		Header: Header{
			TransmitTime: now(),
			ProtocolID:   protocolID,
			Responder:    responder,
			PayloadLen:   uint16(len(payload)),
		},
		Payload: payload,
	}, nil
}

// Encode writes the wire representation of s to w.
func (s *Segment) Encode(w io.Writer) error {
	if len(s.Payload) > MaxPayload {
		return ErrPayloadTooLarge
	}
	var buf [HeaderSize]byte
	binary.BigEndian.PutUint32(buf[0:4], s.Header.TransmitTime)
	proto := s.Header.ProtocolID &^ responderFlag
	if s.Header.Responder {
		proto |= responderFlag
	}
	binary.BigEndian.PutUint16(buf[4:6], proto)
	binary.BigEndian.PutUint16(buf[6:8], uint16(len(s.Payload)))
	if _, err := w.Write(buf[:]); err != nil {
		return fmt.Errorf("segment: write header: %w", err)
	}
	if len(s.Payload) == 0 {
		return nil
	}
	if _, err := w.Write(s.Payload); err != nil {
		return fmt.Errorf("segment: write payload: %w", err)
	}
	return nil
}

// Decode reads one full segment (header + payload) from r.
func Decode(r io.Reader) (*Segment, error) {
	var buf [HeaderSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return nil, fmt.Errorf("segment: read header: %w", err)
	}
	transmitTime := binary.BigEndian.Uint32(buf[0:4])
	rawProto := binary.BigEndian.Uint16(buf[4:6])
	payloadLen := binary.BigEndian.Uint16(buf[6:8])

	var payload []byte
	if payloadLen > 0 {
		payload = make([]byte, payloadLen)
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, fmt.Errorf("segment: read payload: %w", err)
		}
	}
	return &Segment{
		Header: Header{
			TransmitTime: transmitTime,
			ProtocolID:   rawProto &^ responderFlag,
			Responder:    rawProto&responderFlag != 0,
			PayloadLen:   payloadLen,
		},
		Payload: payload,
	}, nil
}
