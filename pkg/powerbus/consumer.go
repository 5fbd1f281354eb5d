package powerbus

import "slices"

type ConsumerHandle uint64

// FrameMatcher selects the unsolicited frames a consumer receives.
type FrameMatcher func(Frame) bool

type consumer struct {
	handle ConsumerHandle
	match  FrameMatcher
	fn     func(Frame)
}

func MatchOpcode(opcodes ...string) FrameMatcher {
	return func(f Frame) bool {
		return slices.Contains(opcodes, f.Opcode)
	}
}

func MatchAddressOpcode(address byte, opcode string) FrameMatcher {
	return func(f Frame) bool {
		return f.Address == address && f.Opcode == opcode
	}
}

// RegisterConsumer subscribes fn to unsolicited frames accepted by match.
// fn runs on the decoder goroutine and must return quickly.
func (c *Communicator) RegisterConsumer(match FrameMatcher, fn func(Frame)) ConsumerHandle {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextHandle++
	c.consumers = append(c.consumers, consumer{handle: c.nextHandle, match: match, fn: fn})
	return c.nextHandle
}

func (c *Communicator) UnregisterConsumer(handle ConsumerHandle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.consumers = slices.DeleteFunc(c.consumers, func(cons consumer) bool {
		return cons.handle == handle
	})
}
