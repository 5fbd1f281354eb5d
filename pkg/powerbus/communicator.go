package powerbus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const (
	DEFAULT_COMMAND_TIMEOUT = 2 * time.Second
	DEFAULT_RESYNC_IDLE     = 500 * time.Millisecond
	RETIRED_CAPACITY        = 64
	READ_CHUNK_SIZE         = 256
)

type Option func(*options)

type options struct {
	commandTimeout time.Duration
	resyncIdle     time.Duration
}

// WithCommandTimeout sets the deadline applied to Execute when the caller's
// context carries none.
func WithCommandTimeout(d time.Duration) Option {
	return func(o *options) {
		o.commandTimeout = d
	}
}

// WithResyncIdle sets how long a partial frame may sit in the buffer without
// new bytes before its first byte is dropped.
func WithResyncIdle(d time.Duration) Option {
	return func(o *options) {
		o.resyncIdle = d
	}
}

type pendingKey struct {
	address byte
	cid     byte
}

type pendingRequest struct {
	cmd   *Command
	reply chan Frame
}

// Communicator owns the transport of one bus segment. Calls to Execute are
// serialized in arrival order so only one exchange is on the wire at a time.
type Communicator struct {
	transport Transport
	logger    *zap.Logger
	opts      options

	bus chan struct{}

	mu           sync.Mutex
	cid          byte
	pending      map[pendingKey]*pendingRequest
	retired      map[pendingKey]*Command
	retiredOrder []pendingKey
	consumers    []consumer
	nextHandle   ConsumerHandle

	bytesWritten atomic.Uint64
	bytesRead    atomic.Uint64
	lastSuccess  atomic.Int64
	addressMode  atomic.Bool

	chunks    chan []byte
	done      chan struct{}
	failed    chan struct{}
	failErr   error
	failOnce  sync.Once
	openOnce  sync.Once
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func NewCommunicator(transport Transport, logger *zap.Logger, opts ...Option) *Communicator {
	o := options{
		commandTimeout: DEFAULT_COMMAND_TIMEOUT,
		resyncIdle:     DEFAULT_RESYNC_IDLE,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return &Communicator{
		transport: transport,
		logger:    logger.With(zap.String("component", "powerbus")),
		opts:      o,
		bus:       make(chan struct{}, 1),
		cid:       1,
		pending:   make(map[pendingKey]*pendingRequest),
		retired:   make(map[pendingKey]*Command),
		chunks:    make(chan []byte, 64),
		done:      make(chan struct{}),
		failed:    make(chan struct{}),
	}
}

// Open starts the background reader and decoder.
func (c *Communicator) Open() {
	c.openOnce.Do(func() {
		c.wg.Add(2)
		go c.readLoop()
		go c.decodeLoop()
	})
}

// Close stops the background goroutines and closes the transport. Pending
// and future calls fail with ErrClosed.
func (c *Communicator) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.transport.Close()
		c.wg.Wait()
	})
	return err
}

// Execute sends cmd to address and waits for the matching reply. When ctx has
// no deadline the communicator's command timeout applies. Sends to the
// broadcast address return as soon as the frame is written.
func (c *Communicator) Execute(ctx context.Context, address byte, cmd *Command, args ...any) (Values, error) {
	if c.addressMode.Load() {
		return nil, ErrInAddressMode
	}
	if err := c.usable(); err != nil {
		return nil, err
	}
	ctx, cancel := c.withDefaultTimeout(ctx)
	defer cancel()

	if err := c.acquire(ctx); err != nil {
		return nil, err
	}
	defer c.release()
	// address mode may have started while waiting for the bus
	if c.addressMode.Load() {
		return nil, ErrInAddressMode
	}
	return c.exchange(ctx, address, cmd, args...)
}

func (c *Communicator) withDefaultTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.opts.commandTimeout)
}

func (c *Communicator) acquire(ctx context.Context) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.bus <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: waiting for bus: %v", ErrCommunicationTimedOut, ctx.Err())
	case <-c.done:
		return ErrClosed
	}
}

func (c *Communicator) release() {
	<-c.bus
}

// exchange runs one request/reply on the wire. The caller holds the bus.
func (c *Communicator) exchange(ctx context.Context, address byte, cmd *Command, args ...any) (Values, error) {
	c.mu.Lock()
	cid := c.allocateCID(address)
	c.mu.Unlock()

	data, err := EncodeRequest(cmd, address, cid, args...)
	if err != nil {
		return nil, err
	}

	if address == BROADCAST_ADDRESS {
		if err := c.write(data); err != nil {
			return nil, err
		}
		return Values{}, nil
	}

	key := pendingKey{address: address, cid: cid}
	req := &pendingRequest{cmd: cmd, reply: make(chan Frame, 1)}
	c.mu.Lock()
	delete(c.retired, key)
	c.pending[key] = req
	c.mu.Unlock()

	if err := c.write(data); err != nil {
		c.retire(key)
		return nil, err
	}

	select {
	case frame := <-req.reply:
		if frame.IsNack() {
			return nil, &CommandRejected{Address: address, Opcode: cmd.Opcode, Reason: frame.NackReason()}
		}
		values, err := cmd.Output.Unpack(frame.Payload)
		if err != nil {
			return nil, err
		}
		c.lastSuccess.Store(time.Now().UnixNano())
		return values, nil
	case <-ctx.Done():
		c.retire(key)
		return nil, fmt.Errorf("%w: %s to module %d", ErrCommunicationTimedOut, cmd, address)
	case <-c.failed:
		c.retire(key)
		return nil, c.failErr
	case <-c.done:
		c.retire(key)
		return nil, ErrClosed
	}
}

// allocateCID hands out the next correlation id, skipping ids still pending
// for the same address. Caller holds mu.
func (c *Communicator) allocateCID(address byte) byte {
	for range 255 {
		cid := c.cid
		c.cid = c.cid%255 + 1
		if _, busy := c.pending[pendingKey{address: address, cid: cid}]; !busy {
			return cid
		}
	}
	return c.cid
}

func (c *Communicator) retire(key pendingKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.retireLocked(key)
}

func (c *Communicator) retireLocked(key pendingKey) {
	req, ok := c.pending[key]
	if !ok {
		return
	}
	delete(c.pending, key)
	c.retired[key] = req.cmd
	c.retiredOrder = append(c.retiredOrder, key)
	if len(c.retiredOrder) > RETIRED_CAPACITY {
		oldest := c.retiredOrder[0]
		c.retiredOrder = c.retiredOrder[1:]
		if _, stillPending := c.pending[oldest]; !stillPending {
			delete(c.retired, oldest)
		}
	}
}

func (c *Communicator) write(data []byte) error {
	n, err := c.transport.Write(data)
	c.bytesWritten.Add(uint64(n))
	if err != nil {
		terr := &TransportError{Op: "write", Err: err}
		c.fail(terr)
		return terr
	}
	if ce := c.logger.Check(zap.DebugLevel, "bus write"); ce != nil {
		ce.Write(zap.String("data", Printable(data)))
	}
	return nil
}

func (c *Communicator) fail(err error) {
	c.failOnce.Do(func() {
		c.logger.Error("bus transport failed", zap.Error(err))
		c.failErr = err
		close(c.failed)
	})
}

func (c *Communicator) usable() error {
	select {
	case <-c.done:
		return ErrClosed
	case <-c.failed:
		return c.failErr
	default:
		return nil
	}
}

// Err returns the transport failure that made the bus unusable, if any.
func (c *Communicator) Err() error {
	return c.usable()
}

func (c *Communicator) readLoop() {
	defer c.wg.Done()
	buf := make([]byte, READ_CHUNK_SIZE)
	for {
		n, err := c.transport.Read(buf)
		if n > 0 {
			c.bytesRead.Add(uint64(n))
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			select {
			case c.chunks <- chunk:
			case <-c.done:
				return
			}
		}
		select {
		case <-c.done:
			return
		default:
		}
		if err != nil {
			c.fail(&TransportError{Op: "read", Err: err})
			return
		}
	}
}

func (c *Communicator) decodeLoop() {
	defer c.wg.Done()
	var buf []byte
	for {
		var idle <-chan time.Time
		if len(buf) > 0 {
			idle = time.After(c.opts.resyncIdle)
		}
		select {
		case <-c.done:
			return
		case chunk := <-c.chunks:
			buf = c.drain(append(buf, chunk...))
		case <-idle:
			c.logger.Debug("bus idle with partial frame, dropping byte", zap.String("data", Printable(buf)))
			buf = c.drain(buf[1:])
		}
	}
}

// drain decodes every complete frame at the head of buf and returns what is
// left. Bytes that cannot start a valid frame are dropped one at a time.
func (c *Communicator) drain(buf []byte) []byte {
	for len(buf) > 0 {
		frame, n, err := Decode(buf)
		switch {
		case err == nil:
			buf = buf[n:]
			c.dispatch(frame)
		case errors.Is(err, ErrIncomplete):
			return buf
		default:
			if !errors.Is(err, ErrNotAFrame) {
				c.logger.Debug("dropping corrupt frame byte", zap.Error(err))
			}
			buf = buf[1:]
		}
	}
	return nil
}

func (c *Communicator) dispatch(frame Frame) {
	if !frame.IsReply() {
		c.logger.Debug("ignoring request frame on bus", zap.Stringer("frame", frame))
		return
	}
	key := pendingKey{address: frame.Address, cid: frame.CID}

	c.mu.Lock()
	if req, ok := c.pending[key]; ok && req.cmd.Matches(frame, key.address, key.cid) {
		c.retireLocked(key)
		c.mu.Unlock()
		req.reply <- frame
		return
	}
	if cmd, ok := c.retired[key]; ok && cmd.Matches(frame, key.address, key.cid) {
		c.mu.Unlock()
		c.logger.Debug("dropping late reply", zap.Stringer("frame", frame))
		return
	}
	var targets []func(Frame)
	for _, cons := range c.consumers {
		if cons.match(frame) {
			targets = append(targets, cons.fn)
		}
	}
	c.mu.Unlock()

	if len(targets) == 0 {
		c.logger.Debug("unsolicited frame without consumer", zap.Stringer("frame", frame))
		return
	}
	for _, fn := range targets {
		fn(frame)
	}
}

func (c *Communicator) BytesWritten() uint64 {
	return c.bytesWritten.Load()
}

func (c *Communicator) BytesRead() uint64 {
	return c.bytesRead.Load()
}

// LastSuccess is the time of the last completed exchange, zero if none.
func (c *Communicator) LastSuccess() time.Time {
	ns := c.lastSuccess.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// SecondsSinceLastSuccess returns 0 until the first exchange succeeds.
func (c *Communicator) SecondsSinceLastSuccess() float64 {
	last := c.LastSuccess()
	if last.IsZero() {
		return 0
	}
	return time.Since(last).Seconds()
}

func (c *Communicator) InAddressMode() bool {
	return c.addressMode.Load()
}
