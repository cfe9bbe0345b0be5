package subchannel

import (
	"errors"
	"sync"
	"testing"
)

type fakeSender struct {
	mu     sync.Mutex
	data   [][]byte
	closed []uint32
	sendErr error
}

func (f *fakeSender) SendData(id uint32, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.data = append(f.data, payload)
	return nil
}

func (f *fakeSender) SendClose(id uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = append(f.closed, id)
	return nil
}

func TestRemoteOpenThenDataDelivers(t *testing.T) {
	sender := &fakeSender{}
	c := New(4, true, sender, nil, DefaultConfig())

	var got []byte
	c.OnData(func(data []byte) { got = data })

	if err := c.HandleRemoteOpen(); err != nil {
		t.Fatalf("HandleRemoteOpen: %v", err)
	}
	if c.State() != StateOpen {
		t.Fatalf("state = %s, want open", c.State())
	}
	if err := c.HandleRemoteData([]byte("hi")); err != nil {
		t.Fatalf("HandleRemoteData: %v", err)
	}
	if string(got) != "hi" {
		t.Errorf("got = %q, want hi", got)
	}
}

func TestWriteBeforeOpenIsProtocolError(t *testing.T) {
	sender := &fakeSender{}
	// A remote-initiated subchannel starts idle until HandleRemoteOpen is
	// dispatched; writing before that is the only way to observe idle's
	// protocol-error rejection of local_data.
	c := New(4, true, sender, nil, DefaultConfig())

	err := c.Write([]byte("too early"))
	var perr *ErrProtocol
	if !errors.As(err, &perr) {
		t.Fatalf("Write before open: err = %v, want ErrProtocol", err)
	}
}

func TestLocallyOpenedSubchannelStartsOpen(t *testing.T) {
	sender := &fakeSender{}
	c := New(1, false, sender, nil, DefaultConfig())

	if c.State() != StateOpen {
		t.Fatalf("state = %s, want open", c.State())
	}
	if err := c.Write([]byte("go")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	sender.mu.Lock()
	defer sender.mu.Unlock()
	if len(sender.data) != 1 || string(sender.data[0]) != "go" {
		t.Errorf("sender.data = %v, want [go]", sender.data)
	}
}

func TestLocalCloseThenRemoteCloseFinalizes(t *testing.T) {
	sender := &fakeSender{}
	c := New(2, false, sender, nil, DefaultConfig())

	closedErr := make(chan error, 1)
	c.OnClosed(func(err error) { closedErr <- err })

	if err := c.LoseConnection(); err != nil {
		t.Fatalf("LoseConnection: %v", err)
	}
	if c.State() != StateClosing {
		t.Fatalf("state = %s, want closing", c.State())
	}
	if err := c.HandleRemoteClose(); err != nil {
		t.Fatalf("HandleRemoteClose: %v", err)
	}
	if c.State() != StateClosed {
		t.Fatalf("state = %s, want closed", c.State())
	}
	select {
	case <-closedErr:
	case <-c.Done():
	}
	sender.mu.Lock()
	defer sender.mu.Unlock()
	if len(sender.closed) != 1 || sender.closed[0] != 2 {
		t.Errorf("sender.closed = %v, want [2]", sender.closed)
	}
}

func TestRemoteCloseWhileOpenFinalizes(t *testing.T) {
	sender := &fakeSender{}
	c := New(6, true, sender, nil, DefaultConfig())
	_ = c.HandleRemoteOpen()

	if err := c.HandleRemoteClose(); err != nil {
		t.Fatalf("HandleRemoteClose: %v", err)
	}
	select {
	case <-c.Done():
	default:
		t.Fatal("Done() channel should be closed after remote_close from open")
	}
}

func TestReadDrainsBufferedDataWithoutCallback(t *testing.T) {
	sender := &fakeSender{}
	c := New(8, true, sender, nil, Config{BufferSize: 4})
	_ = c.HandleRemoteOpen()
	_ = c.HandleRemoteData([]byte("a"))
	_ = c.HandleRemoteData([]byte("b"))

	data, ok := c.Read()
	if !ok || string(data) != "a" {
		t.Fatalf("Read() = %q, %v, want a, true", data, ok)
	}
	data, ok = c.Read()
	if !ok || string(data) != "b" {
		t.Fatalf("Read() = %q, %v, want b, true", data, ok)
	}
}

type fakeProducer struct {
	paused  bool
	pauses  int
	resumes int
}

func (p *fakeProducer) Pause()  { p.paused = true; p.pauses++ }
func (p *fakeProducer) Resume() { p.paused = false; p.resumes++ }

func TestBackpressurePausesProducerWhenBufferFull(t *testing.T) {
	sender := &fakeSender{}
	c := New(10, true, sender, nil, Config{BufferSize: 2})
	_ = c.HandleRemoteOpen()

	p := &fakeProducer{}
	c.RegisterProducer(p, true)

	_ = c.HandleRemoteData([]byte("1"))
	_ = c.HandleRemoteData([]byte("2"))

	if !p.paused {
		t.Fatal("producer should be paused once buffer reaches capacity")
	}

	if _, ok := c.Read(); !ok {
		t.Fatal("Read failed")
	}
	if p.paused {
		t.Error("producer should resume once the buffer drops below capacity")
	}
	if p.resumes != 1 {
		t.Errorf("resumes = %d, want 1", p.resumes)
	}
}
