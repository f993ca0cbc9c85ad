// Package btp implements the Bilateral Transfer Protocol: the binary frame
// codec and a connection that runs it over a duplex transport.
package btp

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
)

// Type is the one byte frame type tag.
type Type uint8

const (
	TypeResponse Type = 1
	TypeError    Type = 2
	TypePrepare  Type = 3
	TypeFulfill  Type = 4
	TypeReject   Type = 5
	TypeMessage  Type = 6
)

func (t Type) String() string {
	switch t {
	case TypeResponse:
		return "RESPONSE"
	case TypeError:
		return "ERROR"
	case TypePrepare:
		return "PREPARE"
	case TypeFulfill:
		return "FULFILL"
	case TypeReject:
		return "REJECT"
	case TypeMessage:
		return "MESSAGE"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(t))
	}
}

// ContentType tags the encoding of a protocol data entry.
type ContentType uint8

const (
	ContentTypeOctetStream ContentType = 0
	ContentTypeTextUTF8    ContentType = 1
	ContentTypeJSON        ContentType = 2
)

const (
	headerSize      = 5
	conditionSize   = 32
	fulfillmentSize = 32
)

// ProtocolData is one named sub-protocol payload carried by a frame.
type ProtocolData struct {
	Name        string
	ContentType ContentType
	Data        []byte
}

// Message is a decoded BTP frame. Only the fields relevant to Type are encoded.
type Message struct {
	Type      Type
	RequestID uint32

	// PREPARE, FULFILL, REJECT
	TransferID uuid.UUID
	// PREPARE
	Amount             uint64
	ExecutionCondition [conditionSize]byte
	ExpiresAt          time.Time
	// FULFILL
	Fulfillment [fulfillmentSize]byte
	// REJECT
	RejectionReason string
	// ERROR
	ErrorCode   string
	ErrorName   string
	TriggeredAt time.Time
	ErrorData   []byte

	ProtocolData []ProtocolData
}

// Find returns the first protocol data entry with the given name.
func (m *Message) Find(name string) (ProtocolData, bool) {
	for _, pd := range m.ProtocolData {
		if pd.Name == name {
			return pd, true
		}
	}
	return ProtocolData{}, false
}

// Encode serializes m into a single frame.
func Encode(m *Message) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(byte(m.Type))
	writeUint32(&buf, m.RequestID)

	switch m.Type {
	case TypePrepare:
		buf.Write(m.TransferID[:])
		writeUint64(&buf, m.Amount)
		buf.Write(m.ExecutionCondition[:])
		if err := writeTime(&buf, m.ExpiresAt); err != nil {
			return nil, err
		}
	case TypeFulfill:
		buf.Write(m.TransferID[:])
		buf.Write(m.Fulfillment[:])
	case TypeReject:
		buf.Write(m.TransferID[:])
		if len(m.RejectionReason) > math.MaxUint16 {
			return nil, fmt.Errorf("rejection reason too long: %d bytes", len(m.RejectionReason))
		}
		writeUint16(&buf, uint16(len(m.RejectionReason)))
		buf.WriteString(m.RejectionReason)
	case TypeError:
		if err := writeShortString(&buf, m.ErrorCode); err != nil {
			return nil, err
		}
		if err := writeShortString(&buf, m.ErrorName); err != nil {
			return nil, err
		}
		if err := writeTime(&buf, m.TriggeredAt); err != nil {
			return nil, err
		}
		writeUint32(&buf, uint32(len(m.ErrorData)))
		buf.Write(m.ErrorData)
	case TypeResponse:
		// an acknowledgement without protocol data has an empty payload
		if len(m.ProtocolData) == 0 {
			return buf.Bytes(), nil
		}
	case TypeMessage:
	default:
		return nil, &UnsupportedMessageTypeError{Type: m.Type}
	}

	if err := writeProtocolData(&buf, m.ProtocolData); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decode parses one frame. Any malformed input yields a *FramingError, an
// unknown type tag an *UnsupportedMessageTypeError.
func Decode(frame []byte) (*Message, error) {
	r := &reader{buf: frame}
	t, err := r.byte("type")
	if err != nil {
		return nil, err
	}
	m := &Message{Type: Type(t)}
	if m.RequestID, err = r.uint32("request id"); err != nil {
		return nil, err
	}

	switch m.Type {
	case TypePrepare:
		if err = r.copy(m.TransferID[:], "transfer id"); err != nil {
			return nil, err
		}
		if m.Amount, err = r.uint64("amount"); err != nil {
			return nil, err
		}
		if err = r.copy(m.ExecutionCondition[:], "execution condition"); err != nil {
			return nil, err
		}
		if m.ExpiresAt, err = r.time("expires at"); err != nil {
			return nil, err
		}
	case TypeFulfill:
		if err = r.copy(m.TransferID[:], "transfer id"); err != nil {
			return nil, err
		}
		if err = r.copy(m.Fulfillment[:], "fulfillment"); err != nil {
			return nil, err
		}
	case TypeReject:
		if err = r.copy(m.TransferID[:], "transfer id"); err != nil {
			return nil, err
		}
		n, err := r.uint16("rejection reason length")
		if err != nil {
			return nil, err
		}
		reason, err := r.bytes(int(n), "rejection reason")
		if err != nil {
			return nil, err
		}
		m.RejectionReason = string(reason)
	case TypeError:
		if m.ErrorCode, err = r.shortString("error code"); err != nil {
			return nil, err
		}
		if m.ErrorName, err = r.shortString("error name"); err != nil {
			return nil, err
		}
		if m.TriggeredAt, err = r.time("triggered at"); err != nil {
			return nil, err
		}
		n, err := r.uint32("error data length")
		if err != nil {
			return nil, err
		}
		data, err := r.bytes(int(n), "error data")
		if err != nil {
			return nil, err
		}
		if len(data) > 0 {
			m.ErrorData = append([]byte(nil), data...)
		}
	case TypeResponse:
		if r.remaining() == 0 {
			return m, nil
		}
	case TypeMessage:
	default:
		return nil, &UnsupportedMessageTypeError{Type: m.Type}
	}

	if m.ProtocolData, err = r.protocolData(); err != nil {
		return nil, err
	}
	if r.remaining() != 0 {
		return nil, &FramingError{Offset: r.off, Reason: fmt.Sprintf("%d trailing bytes", r.remaining())}
	}
	return m, nil
}

func writeUint16(buf *bytes.Buffer, v uint16) {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	buf.Write(b[:])
}

func writeUint32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func writeUint64(buf *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	buf.Write(b[:])
}

// Timestamp returns t as a frame carries it: UTC with millisecond precision.
// The zero time stays zero.
func Timestamp(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	return t.UTC().Truncate(time.Millisecond)
}

// writeTime encodes t as unix milliseconds, 0 meaning unset. Only times that
// decode back unchanged are accepted; pass others through Timestamp first.
func writeTime(buf *bytes.Buffer, t time.Time) error {
	if t.IsZero() {
		writeUint64(buf, 0)
		return nil
	}
	ms := t.UnixMilli()
	switch {
	case ms < 0:
		return fmt.Errorf("timestamp before unix epoch: %s", t)
	case ms == 0:
		return fmt.Errorf("timestamp at unix epoch collides with unset: %s", t)
	case t.Location() != time.UTC:
		return fmt.Errorf("timestamp not in UTC: %s", t)
	case !t.Equal(time.UnixMilli(ms)):
		return fmt.Errorf("timestamp finer than a millisecond: %s", t)
	}
	writeUint64(buf, uint64(ms))
	return nil
}

func writeShortString(buf *bytes.Buffer, s string) error {
	if len(s) > math.MaxUint8 {
		return fmt.Errorf("string too long for one byte length prefix: %q", s)
	}
	buf.WriteByte(byte(len(s)))
	buf.WriteString(s)
	return nil
}

func writeProtocolData(buf *bytes.Buffer, entries []ProtocolData) error {
	if len(entries) > math.MaxUint16 {
		return fmt.Errorf("too many protocol data entries: %d", len(entries))
	}
	writeUint16(buf, uint16(len(entries)))
	for _, pd := range entries {
		if err := writeShortString(buf, pd.Name); err != nil {
			return fmt.Errorf("protocol data name: %w", err)
		}
		buf.WriteByte(byte(pd.ContentType))
		if uint64(len(pd.Data)) > math.MaxUint32 {
			return fmt.Errorf("protocol data %q too large", pd.Name)
		}
		writeUint32(buf, uint32(len(pd.Data)))
		buf.Write(pd.Data)
	}
	return nil
}

type reader struct {
	buf []byte
	off int
}

func (r *reader) remaining() int { return len(r.buf) - r.off }

func (r *reader) bytes(n int, field string) ([]byte, error) {
	if n < 0 || r.remaining() < n {
		return nil, &FramingError{Offset: r.off, Reason: fmt.Sprintf("%s: need %d bytes, have %d", field, n, r.remaining())}
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b, nil
}

func (r *reader) copy(dst []byte, field string) error {
	b, err := r.bytes(len(dst), field)
	if err != nil {
		return err
	}
	copy(dst, b)
	return nil
}

func (r *reader) byte(field string) (byte, error) {
	b, err := r.bytes(1, field)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *reader) uint16(field string) (uint16, error) {
	b, err := r.bytes(2, field)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

func (r *reader) uint32(field string) (uint32, error) {
	b, err := r.bytes(4, field)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

func (r *reader) uint64(field string) (uint64, error) {
	b, err := r.bytes(8, field)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b), nil
}

func (r *reader) time(field string) (time.Time, error) {
	ms, err := r.uint64(field)
	if err != nil {
		return time.Time{}, err
	}
	if ms == 0 {
		return time.Time{}, nil
	}
	if ms > math.MaxInt64 {
		return time.Time{}, &FramingError{Offset: r.off - 8, Reason: field + " out of range"}
	}
	return time.UnixMilli(int64(ms)).UTC(), nil
}

func (r *reader) shortString(field string) (string, error) {
	n, err := r.byte(field + " length")
	if err != nil {
		return "", err
	}
	b, err := r.bytes(int(n), field)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (r *reader) protocolData() ([]ProtocolData, error) {
	count, err := r.uint16("protocol data count")
	if err != nil {
		return nil, err
	}
	if count == 0 {
		return nil, nil
	}
	entries := make([]ProtocolData, 0, count)
	for i := 0; i < int(count); i++ {
		name, err := r.shortString("protocol data name")
		if err != nil {
			return nil, err
		}
		ct, err := r.byte("protocol data content type")
		if err != nil {
			return nil, err
		}
		n, err := r.uint32("protocol data length")
		if err != nil {
			return nil, err
		}
		if uint64(n) > uint64(r.remaining()) {
			return nil, &FramingError{Offset: r.off, Reason: fmt.Sprintf("protocol data %q declares %d bytes, have %d", name, n, r.remaining())}
		}
		data, _ := r.bytes(int(n), "protocol data")
		entry := ProtocolData{Name: name, ContentType: ContentType(ct)}
		if len(data) > 0 {
			entry.Data = append([]byte(nil), data...)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}
