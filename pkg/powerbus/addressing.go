package powerbus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	DEFAULT_QUIESCENCE_WINDOW    = 30 * time.Second
	DEFAULT_ADDRESS_MODE_TIMEOUT = 300 * time.Second
)

// NO_ADDRESS is the address of a module that was never assigned one.
const NO_ADDRESS byte = 0

// ModuleRegistry tracks which bus addresses are in use. Changes must be
// durable before the call returns: the module is told its address only
// afterwards.
type ModuleRegistry interface {
	ModuleExists(address byte) bool
	FreeAddress() (byte, error)
	RegisterModule(address byte, version ModuleVersion) error
	ReaddressModule(oldAddress, newAddress byte) error
}

// Assignment records one address handed out during address mode.
type Assignment struct {
	OldAddress  byte
	NewAddress  byte
	Version     ModuleVersion
	Readdressed bool
}

type AddressingOption func(*Addressing)

func WithQuiescenceWindow(d time.Duration) AddressingOption {
	return func(a *Addressing) {
		a.quiescence = d
	}
}

func WithAddressModeTimeout(d time.Duration) AddressingOption {
	return func(a *Addressing) {
		a.maxDuration = d
	}
}

// Addressing runs the address mode handshake on a Communicator. While it is
// active, regular Execute calls are rejected with ErrInAddressMode.
type Addressing struct {
	comm        *Communicator
	registry    ModuleRegistry
	logger      *zap.Logger
	quiescence  time.Duration
	maxDuration time.Duration

	mu      sync.Mutex
	session *addressSession
	last    []Assignment
}

type addressSession struct {
	requests    chan Frame
	stop        chan struct{}
	stopOnce    sync.Once
	done        chan struct{}
	consumer    ConsumerHandle
	assignments []Assignment
	err         error
}

func NewAddressing(comm *Communicator, registry ModuleRegistry, logger *zap.Logger, opts ...AddressingOption) *Addressing {
	a := &Addressing{
		comm:        comm,
		registry:    registry,
		logger:      logger.With(zap.String("component", "addressing")),
		quiescence:  DEFAULT_QUIESCENCE_WINDOW,
		maxDuration: DEFAULT_ADDRESS_MODE_TIMEOUT,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// StartAddressMode broadcasts the enter address mode command and starts
// answering want-an-address requests in the background.
func (a *Addressing) StartAddressMode(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.session != nil {
		return ErrInAddressMode
	}
	if err := a.comm.usable(); err != nil {
		return err
	}

	s := &addressSession{
		requests: make(chan Frame, 64),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	s.consumer = a.comm.RegisterConsumer(MatchOpcode(wantAnAddress8.Opcode, wantAnAddress12.Opcode), func(f Frame) {
		select {
		case s.requests <- f:
		default:
			a.logger.Warn("address request queue full, dropping request", zap.Stringer("frame", f))
		}
	})

	// flag first. Execute checks the flag again once it owns the bus, so no
	// regular command slips in between the broadcast and the first request.
	a.comm.addressMode.Store(true)
	if err := a.broadcastMode(ctx, ADDRESS_MODE); err != nil {
		a.comm.UnregisterConsumer(s.consumer)
		a.comm.addressMode.Store(false)
		return err
	}
	a.logger.Info("address mode started")

	a.session = s
	go a.run(s)
	return nil
}

// StopAddressMode ends the running session and waits until the modules have
// been told to leave address mode.
func (a *Addressing) StopAddressMode(ctx context.Context) error {
	a.mu.Lock()
	s := a.session
	a.mu.Unlock()
	if s == nil {
		return ErrNotInAddressMode
	}
	s.stopOnce.Do(func() { close(s.stop) })

	ctx, cancel := a.comm.withDefaultTimeout(ctx)
	defer cancel()
	select {
	case <-s.done:
		return s.err
	case <-ctx.Done():
		return fmt.Errorf("%w: leaving address mode: %v", ErrCommunicationTimedOut, ctx.Err())
	}
}

func (a *Addressing) InAddressMode() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.session != nil
}

// Done is closed when the current session ends. It is already closed when
// no session is running.
func (a *Addressing) Done() <-chan struct{} {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.session != nil {
		return a.session.done
	}
	closed := make(chan struct{})
	close(closed)
	return closed
}

// LastAssignments returns the addresses handed out by the last finished session.
func (a *Addressing) LastAssignments() []Assignment {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Assignment(nil), a.last...)
}

func (a *Addressing) broadcastMode(ctx context.Context, mode int8) error {
	ctx, cancel := a.comm.withDefaultTimeout(ctx)
	defer cancel()
	if err := a.comm.acquire(ctx); err != nil {
		return err
	}
	defer a.comm.release()
	_, err := a.comm.exchange(ctx, BROADCAST_ADDRESS, SetAddressMode, mode)
	return err
}

func (a *Addressing) run(s *addressSession) {
	quiet := time.NewTimer(a.quiescence)
	defer quiet.Stop()
	expire := time.NewTimer(a.maxDuration)
	defer expire.Stop()

loop:
	for {
		select {
		case f := <-s.requests:
			if assignment, err := a.assign(f); err != nil {
				a.logger.Error("could not assign address", zap.Stringer("frame", f), zap.Error(err))
			} else {
				s.assignments = append(s.assignments, assignment)
			}
			quiet.Reset(a.quiescence)
		case <-quiet.C:
			a.logger.Info("no address requests within quiescence window")
			break loop
		case <-expire.C:
			a.logger.Warn("address mode timed out", zap.Duration("timeout", a.maxDuration))
			break loop
		case <-s.stop:
			break loop
		case <-a.comm.done:
			s.err = ErrClosed
			break loop
		case <-a.comm.failed:
			s.err = a.comm.failErr
			break loop
		}
	}

	a.comm.UnregisterConsumer(s.consumer)
	if s.err == nil {
		s.err = a.broadcastMode(context.Background(), NORMAL_MODE)
		if s.err != nil {
			a.logger.Error("could not leave address mode", zap.Error(s.err))
		}
	}
	a.comm.addressMode.Store(false)
	a.logger.Info("address mode stopped", zap.Int("assigned", len(s.assignments)))

	a.mu.Lock()
	a.session = nil
	a.last = s.assignments
	a.mu.Unlock()
	close(s.done)
}

// assign persists a new address for the module behind f and sends it back
// to the module on the correlation of its request.
func (a *Addressing) assign(f Frame) (Assignment, error) {
	version, ok := VersionFromWantAnAddress(f.Opcode)
	if !ok {
		return Assignment{}, fmt.Errorf("unexpected %s frame in address mode", f.Opcode)
	}
	newAddress, err := a.registry.FreeAddress()
	if err != nil {
		return Assignment{}, err
	}
	assignment := Assignment{OldAddress: f.Address, NewAddress: newAddress, Version: version}
	if f.Address != NO_ADDRESS && a.registry.ModuleExists(f.Address) {
		assignment.Readdressed = true
		err = a.registry.ReaddressModule(f.Address, newAddress)
	} else {
		err = a.registry.RegisterModule(newAddress, version)
	}
	if err != nil {
		return Assignment{}, fmt.Errorf("persisting address %d: %w", newAddress, err)
	}

	data, err := EncodeRequest(SetAddress, f.Address, f.CID, newAddress)
	if err != nil {
		return Assignment{}, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), a.comm.opts.commandTimeout)
	defer cancel()
	if err := a.comm.acquire(ctx); err != nil {
		return Assignment{}, err
	}
	defer a.comm.release()
	if err := a.comm.write(data); err != nil {
		return Assignment{}, err
	}
	a.logger.Info("assigned module address",
		zap.Uint8("old_address", f.Address),
		zap.Uint8("new_address", newAddress),
		zap.Stringer("version", version),
		zap.Bool("readdressed", assignment.Readdressed))
	return assignment, nil
}
