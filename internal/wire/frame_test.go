package wire

import (
	"bytes"
	"io"
	"testing"

	"github.com/dilation/core/internal/seal"
)

func testKey() [seal.KeySize]byte {
	var k [seal.KeySize]byte
	for i := range k {
		k[i] = byte(i)
	}
	return k
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	key := testKey()
	want := Data(5, []byte("payload bytes"))

	frame, err := Encode(key, 12, want)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	// length prefix covers seqnum+ciphertext, not itself.
	length := int(frame[0]) | int(frame[1])<<8 | int(frame[2])<<16 | int(frame[3])<<24
	if length != len(frame)-4 {
		t.Fatalf("length prefix %d, want %d", length, len(frame)-4)
	}

	seq, got, err := Decode(key, frame[4:])
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if seq != 12 {
		t.Errorf("seq = %d, want 12", seq)
	}
	if got.Tag != TagData || got.SubchannelID != 5 || !bytes.Equal(got.Payload, want.Payload) {
		t.Errorf("decoded record mismatch: %+v", got)
	}
}

func TestDecodeBadAuthIsNonFatal(t *testing.T) {
	key := testKey()
	frame, err := Encode(key, 1, Ping())
	if err != nil {
		t.Fatal(err)
	}
	tampered := append([]byte(nil), frame[4:]...)
	tampered[len(tampered)-1] ^= 0xFF

	_, _, err = Decode(key, tampered)
	if err == nil {
		t.Fatal("expected auth failure")
	}
}

func TestDecodeWrongKeyFails(t *testing.T) {
	key := testKey()
	other := testKey()
	other[0] ^= 0xFF

	frame, err := Encode(key, 1, Ping())
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := Decode(other, frame[4:]); err == nil {
		t.Fatal("expected decode under wrong key to fail")
	}
}

func TestReaderWriterRoundTrip(t *testing.T) {
	key := testKey()
	var buf bytes.Buffer
	w := NewWriter(&buf)

	records := []Record{Ping(), Ack(3), Open(9), Data(9, []byte("hi")), Close(9)}
	for i, r := range records {
		if err := w.WriteFrame(key, uint32(i), r); err != nil {
			t.Fatalf("WriteFrame: %v", err)
		}
	}

	r := NewReader(&buf)
	for i, want := range records {
		raw, err := r.ReadFrame()
		if err != nil {
			t.Fatalf("ReadFrame %d: %v", i, err)
		}
		seq, got, err := Decode(key, raw)
		if err != nil {
			t.Fatalf("Decode %d: %v", i, err)
		}
		if seq != uint32(i) {
			t.Errorf("frame %d: seq = %d, want %d", i, seq, i)
		}
		if got.Tag != want.Tag {
			t.Errorf("frame %d: tag = %v, want %v", i, got.Tag, want.Tag)
		}
	}
}

func TestReaderHandlesPartialReads(t *testing.T) {
	key := testKey()
	frame, err := Encode(key, 0, Data(1, []byte("split me across reads")))
	if err != nil {
		t.Fatal(err)
	}

	pr, pw := io.Pipe()
	go func() {
		const chunkSize = 3
		for i := 0; i < len(frame); i += chunkSize {
			end := i + chunkSize
			if end > len(frame) {
				end = len(frame)
			}
			_, _ = pw.Write(frame[i:end])
		}
		pw.Close()
	}()

	r := NewReader(pr)
	raw, err := r.ReadFrame()
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	seq, got, err := Decode(key, raw)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if seq != 0 || got.Tag != TagData {
		t.Errorf("unexpected record: seq=%d tag=%v", seq, got.Tag)
	}
}
