package wire

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/dilation/core/internal/seal"
)

// HeaderSize is the number of bytes preceding the ciphertext: the 4-byte
// length prefix plus the 4-byte little-endian sequence number.
const HeaderSize = 4 + 4

// MaxBodySize bounds the DATA payload carried in one frame: Encode
// rejects a larger payload with ErrOutOfRange. Callers above this layer
// do not split a larger write into several records.
const MaxBodySize = 64 * 1024

// Encode serializes one record into an on-the-wire frame:
// LE4(length) || LE4(seqnum) || ciphertext, where length covers
// everything after itself (seqnum + ciphertext).
func Encode(key [seal.KeySize]byte, seq uint32, r Record) ([]byte, error) {
	if len(r.Payload) > MaxBodySize {
		return nil, fmt.Errorf("%w: payload %d exceeds %d", ErrOutOfRange, len(r.Payload), MaxBodySize)
	}
	body, err := EncodeBody(r)
	if err != nil {
		return nil, err
	}
	ciphertext := seal.Seal(key, seq, body)

	length := 4 + len(ciphertext)
	if length > math.MaxUint32 {
		return nil, fmt.Errorf("%w: frame length overflow", ErrOutOfRange)
	}

	buf := make([]byte, HeaderSize+len(ciphertext))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(length))
	binary.LittleEndian.PutUint32(buf[4:8], seq)
	copy(buf[8:], ciphertext)
	return buf, nil
}

// Decode authenticates and parses a frame body (everything after the
// length prefix: seqnum || ciphertext) under the given inbound key. A
// non-nil error here means "drop this frame", never "tear down L2": per
// §4.1 bad auth tags and malformed bodies are not fatal.
func Decode(key [seal.KeySize]byte, seqnumAndCiphertext []byte) (seq uint32, r Record, err error) {
	if len(seqnumAndCiphertext) < 4 {
		return 0, Record{}, fmt.Errorf("%w: frame shorter than seqnum field", ErrInvalidRecord)
	}
	seq = binary.LittleEndian.Uint32(seqnumAndCiphertext[0:4])
	ciphertext := seqnumAndCiphertext[4:]

	body, err := seal.Open(key, seq, ciphertext)
	if err != nil {
		return seq, Record{}, err
	}
	r, err = DecodeBody(body)
	if err != nil {
		return seq, Record{}, err
	}
	return seq, r, nil
}

// Reader greedily parses frames out of a byte stream: it buffers
// internally and only consumes complete frames, matching the "peek
// length, wait for the rest" behavior required by §4.1.
type Reader struct {
	r   io.Reader
	buf []byte
}

// NewReader creates a frame Reader over r.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: r}
}

// ReadFrame blocks until one full frame is buffered, then returns its
// seqnum-and-ciphertext portion (the length prefix is consumed and
// discarded). It does not decrypt; callers pass the result to Decode.
func (fr *Reader) ReadFrame() ([]byte, error) {
	for {
		if len(fr.buf) >= 4 {
			length := binary.LittleEndian.Uint32(fr.buf[0:4])
			if uint64(len(fr.buf)) >= 4+uint64(length) {
				frame := make([]byte, length)
				copy(frame, fr.buf[4:4+length])
				fr.buf = fr.buf[4+length:]
				return frame, nil
			}
		}

		chunk := make([]byte, 4096)
		n, err := fr.r.Read(chunk)
		if n > 0 {
			fr.buf = append(fr.buf, chunk[:n]...)
		}
		if err != nil {
			if n > 0 && err == io.EOF {
				// Give the caller a chance to drain a frame that
				// completed on this read before surfacing EOF.
				continue
			}
			return nil, err
		}
	}
}

// Writer serializes frames onto an io.Writer.
type Writer struct {
	w io.Writer
}

// NewWriter creates a frame Writer over w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// WriteFrame encodes and writes one record as a frame.
func (fw *Writer) WriteFrame(key [seal.KeySize]byte, seq uint32, r Record) error {
	data, err := Encode(key, seq, r)
	if err != nil {
		return err
	}
	_, err = fw.w.Write(data)
	return err
}
