package powerbus

import (
	"errors"
	"sync"
	"time"
)

// Responder produces the bytes a simulated bus sends back for a request
// frame. It may return nothing.
type Responder func(request Frame) [][]byte

// TestTransport is an in-memory Transport simulating the modules on a bus.
type TestTransport struct {
	mu          sync.Mutex
	responder   Responder
	replyDelay  time.Duration
	readTimeout time.Duration
	pending     []byte
	written     [][]byte
	readErr     error
	writeErr    error

	notify    chan struct{}
	closed    chan struct{}
	closeOnce sync.Once
}

func NewTestTransport(responder Responder) *TestTransport {
	return &TestTransport{
		responder:   responder,
		readTimeout: 20 * time.Millisecond,
		notify:      make(chan struct{}, 1),
		closed:      make(chan struct{}),
	}
}

func (t *TestTransport) SetResponder(responder Responder) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.responder = responder
}

// SetReplyDelay delays every response produced by the responder.
func (t *TestTransport) SetReplyDelay(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.replyDelay = d
}

// Inject makes data available to the reader as if a module sent it.
func (t *TestTransport) Inject(data []byte) {
	t.mu.Lock()
	t.pending = append(t.pending, data...)
	t.mu.Unlock()
	select {
	case t.notify <- struct{}{}:
	default:
	}
}

func (t *TestTransport) InjectAfter(d time.Duration, data []byte) {
	time.AfterFunc(d, func() { t.Inject(data) })
}

// FailReads makes the next Read return err.
func (t *TestTransport) FailReads(err error) {
	t.mu.Lock()
	t.readErr = err
	t.mu.Unlock()
	select {
	case t.notify <- struct{}{}:
	default:
	}
}

func (t *TestTransport) FailWrites(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.writeErr = err
}

// Written returns a copy of every buffer passed to Write.
func (t *TestTransport) Written() [][]byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([][]byte, len(t.written))
	for i, w := range t.written {
		out[i] = append([]byte(nil), w...)
	}
	return out
}

// WrittenFrames decodes every written buffer holding a whole frame.
func (t *TestTransport) WrittenFrames() []Frame {
	var frames []Frame
	for _, w := range t.Written() {
		if f, _, err := Decode(w); err == nil {
			frames = append(frames, f)
		}
	}
	return frames
}

func (t *TestTransport) Read(p []byte) (int, error) {
	timeout := time.NewTimer(t.readTimeout)
	defer timeout.Stop()
	for {
		t.mu.Lock()
		if len(t.pending) > 0 {
			n := copy(p, t.pending)
			t.pending = t.pending[n:]
			t.mu.Unlock()
			return n, nil
		}
		if t.readErr != nil {
			err := t.readErr
			t.mu.Unlock()
			return 0, err
		}
		t.mu.Unlock()

		select {
		case <-t.notify:
		case <-t.closed:
			return 0, ErrClosed
		case <-timeout.C:
			return 0, nil
		}
	}
}

func (t *TestTransport) Write(p []byte) (int, error) {
	select {
	case <-t.closed:
		return 0, ErrClosed
	default:
	}
	t.mu.Lock()
	if t.writeErr != nil {
		err := t.writeErr
		t.mu.Unlock()
		return 0, err
	}
	t.written = append(t.written, append([]byte(nil), p...))
	responder := t.responder
	delay := t.replyDelay
	t.mu.Unlock()

	if responder == nil {
		return len(p), nil
	}
	request, _, err := Decode(p)
	if err != nil {
		return len(p), nil
	}
	for _, reply := range responder(request) {
		if delay > 0 {
			t.InjectAfter(delay, reply)
		} else {
			t.Inject(reply)
		}
	}
	return len(p), nil
}

func (t *TestTransport) Close() error {
	t.closeOnce.Do(func() { close(t.closed) })
	return nil
}

var errNoReply = errors.New("powerbus: no reply for command")

// ReplyWith builds a Responder answering requests for cmd with values and
// ignoring everything else.
func ReplyWith(cmd *Command, values ...any) Responder {
	return func(request Frame) [][]byte {
		if request.Opcode != cmd.Opcode || request.Mode != cmd.Mode || request.Address == BROADCAST_ADDRESS {
			return nil
		}
		reply, err := EncodeReply(cmd, request.Address, request.CID, values...)
		if err != nil {
			panic(errors.Join(errNoReply, err))
		}
		return [][]byte{reply}
	}
}

// ReplyAll combines responders. Every responder sees every request.
func ReplyAll(responders ...Responder) Responder {
	return func(request Frame) [][]byte {
		var replies [][]byte
		for _, r := range responders {
			replies = append(replies, r(request)...)
		}
		return replies
	}
}
