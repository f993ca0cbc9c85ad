package ilp

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// PacketTypePayment tags the payment packet carried in a transfer's "ilp"
// protocol data.
const PacketTypePayment byte = 1

var ErrInvalidPacket = errors.New("invalid ILP packet")

// Packet is an ILP payment packet: the amount the receiver should get, the
// final destination and opaque end-to-end data.
type Packet struct {
	Amount  uint64
	Account string
	Data    []byte
}

// Serialize encodes p as type(1) amount(8) addrLen(2) addr dataLen(4) data,
// big-endian.
func (p *Packet) Serialize() ([]byte, error) {
	if !ValidAddress(p.Account) {
		return nil, fmt.Errorf("%w: account %q", ErrInvalidPacket, p.Account)
	}
	if len(p.Account) > math.MaxUint16 {
		return nil, fmt.Errorf("%w: account too long", ErrInvalidPacket)
	}
	if uint64(len(p.Data)) > math.MaxUint32 {
		return nil, fmt.Errorf("%w: data too long", ErrInvalidPacket)
	}
	buf := make([]byte, 0, 1+8+2+len(p.Account)+4+len(p.Data))
	buf = append(buf, PacketTypePayment)
	buf = binary.BigEndian.AppendUint64(buf, p.Amount)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(p.Account)))
	buf = append(buf, p.Account...)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(p.Data)))
	buf = append(buf, p.Data...)
	return buf, nil
}

// ParsePacket decodes a payment packet. The whole input must be consumed.
func ParsePacket(b []byte) (*Packet, error) {
	if len(b) < 1+8+2 {
		return nil, fmt.Errorf("%w: %d bytes is too short", ErrInvalidPacket, len(b))
	}
	if b[0] != PacketTypePayment {
		return nil, fmt.Errorf("%w: unexpected packet type %d", ErrInvalidPacket, b[0])
	}
	p := &Packet{Amount: binary.BigEndian.Uint64(b[1:9])}
	addrLen := int(binary.BigEndian.Uint16(b[9:11]))
	rest := b[11:]
	if len(rest) < addrLen+4 {
		return nil, fmt.Errorf("%w: truncated account", ErrInvalidPacket)
	}
	p.Account = string(rest[:addrLen])
	rest = rest[addrLen:]
	dataLen := uint64(binary.BigEndian.Uint32(rest[:4]))
	rest = rest[4:]
	if uint64(len(rest)) != dataLen {
		return nil, fmt.Errorf("%w: data length %d, %d bytes remain", ErrInvalidPacket, dataLen, len(rest))
	}
	if dataLen > 0 {
		p.Data = append([]byte(nil), rest...)
	}
	if !ValidAddress(p.Account) {
		return nil, fmt.Errorf("%w: account %q", ErrInvalidPacket, p.Account)
	}
	return p, nil
}
