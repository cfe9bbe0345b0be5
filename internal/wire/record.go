// Package wire implements the L2 framed wire protocol: record encoding,
// length-prefixed frame layout, and the sequence-number-derived nonce
// scheme described for the durable dilation session.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Record tags. Body byte 0 identifies the record kind.
const (
	TagPing  uint8 = 0x00
	TagAck   uint8 = 0x01
	TagOpen  uint8 = 0x02
	TagData  uint8 = 0x03
	TagClose uint8 = 0x04
)

// ErrInvalidRecord is returned when a record body cannot be decoded.
var ErrInvalidRecord = errors.New("wire: invalid record body")

// ErrOutOfRange is returned when an integer field exceeds its wire width.
var ErrOutOfRange = errors.New("wire: integer out of range")

// Record is the logical payload carried inside one encrypted frame.
//
// Exactly one of the constructors below (Ping/Ack/Open/Data/Close) should
// be used to build a Record; Tag determines which fields are meaningful.
type Record struct {
	Tag          uint8
	AckSeqNum    uint32 // valid when Tag == TagAck
	SubchannelID uint32 // valid when Tag == TagOpen/TagData/TagClose
	Payload      []byte // valid when Tag == TagData
}

// Ping builds a PING record.
func Ping() Record { return Record{Tag: TagPing} }

// Ack builds an ACK record acknowledging inbound sequence number seq.
func Ack(seq uint32) Record { return Record{Tag: TagAck, AckSeqNum: seq} }

// Open builds an OPEN record for the given subchannel.
func Open(subchannelID uint32) Record { return Record{Tag: TagOpen, SubchannelID: subchannelID} }

// Data builds a DATA record carrying payload for the given subchannel.
func Data(subchannelID uint32, payload []byte) Record {
	return Record{Tag: TagData, SubchannelID: subchannelID, Payload: payload}
}

// Close builds a CLOSE record for the given subchannel.
func Close(subchannelID uint32) Record { return Record{Tag: TagClose, SubchannelID: subchannelID} }

// TagName returns a human-readable name for a record tag, for logging.
func TagName(tag uint8) string {
	switch tag {
	case TagPing:
		return "PING"
	case TagAck:
		return "ACK"
	case TagOpen:
		return "OPEN"
	case TagData:
		return "DATA"
	case TagClose:
		return "CLOSE"
	default:
		return "UNKNOWN"
	}
}

// EncodeBody serializes the record body (everything that gets encrypted).
// DATA uses an implicit length: subchannel id followed by the raw payload,
// with the payload's length taken from the surrounding frame rather than
// encoded again.
func EncodeBody(r Record) ([]byte, error) {
	switch r.Tag {
	case TagPing:
		return []byte{TagPing}, nil
	case TagAck:
		buf := make([]byte, 5)
		buf[0] = TagAck
		binary.LittleEndian.PutUint32(buf[1:], r.AckSeqNum)
		return buf, nil
	case TagOpen:
		buf := make([]byte, 5)
		buf[0] = TagOpen
		binary.LittleEndian.PutUint32(buf[1:], r.SubchannelID)
		return buf, nil
	case TagData:
		buf := make([]byte, 5+len(r.Payload))
		buf[0] = TagData
		binary.LittleEndian.PutUint32(buf[1:5], r.SubchannelID)
		copy(buf[5:], r.Payload)
		return buf, nil
	case TagClose:
		buf := make([]byte, 5)
		buf[0] = TagClose
		binary.LittleEndian.PutUint32(buf[1:], r.SubchannelID)
		return buf, nil
	default:
		return nil, fmt.Errorf("%w: unknown tag 0x%02x", ErrInvalidRecord, r.Tag)
	}
}

// DecodeBody parses a decrypted record body produced by EncodeBody.
func DecodeBody(body []byte) (Record, error) {
	if len(body) < 1 {
		return Record{}, fmt.Errorf("%w: empty body", ErrInvalidRecord)
	}
	switch body[0] {
	case TagPing:
		return Ping(), nil
	case TagAck:
		if len(body) < 5 {
			return Record{}, fmt.Errorf("%w: ACK too short", ErrInvalidRecord)
		}
		return Ack(binary.LittleEndian.Uint32(body[1:5])), nil
	case TagOpen:
		if len(body) < 5 {
			return Record{}, fmt.Errorf("%w: OPEN too short", ErrInvalidRecord)
		}
		return Open(binary.LittleEndian.Uint32(body[1:5])), nil
	case TagData:
		if len(body) < 5 {
			return Record{}, fmt.Errorf("%w: DATA too short", ErrInvalidRecord)
		}
		id := binary.LittleEndian.Uint32(body[1:5])
		payload := make([]byte, len(body)-5)
		copy(payload, body[5:])
		return Data(id, payload), nil
	case TagClose:
		if len(body) < 5 {
			return Record{}, fmt.Errorf("%w: CLOSE too short", ErrInvalidRecord)
		}
		return Close(binary.LittleEndian.Uint32(body[1:5])), nil
	default:
		return Record{}, fmt.Errorf("%w: unrecognized tag 0x%02x", ErrInvalidRecord, body[0])
	}
}
