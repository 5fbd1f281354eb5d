package powerbus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestCommunicator(t *testing.T, responder Responder, opts ...Option) (*Communicator, *TestTransport) {
	transport := NewTestTransport(responder)
	comm := NewCommunicator(transport, zap.Must(zap.NewDevelopment()), opts...)
	comm.Open()
	t.Cleanup(func() { comm.Close() })
	return comm, transport
}

func TestExecuteVoltage(t *testing.T) {

	require := require.New(t)

	cmd := voltage8(t)
	comm, transport := newTestCommunicator(t, ReplyWith(cmd, float32(230.5)))

	values, err := comm.Execute(context.Background(), 5, cmd)
	require.NoError(err)
	voltage, err := values.Float32("voltage")
	require.NoError(err)
	require.Equal(float32(230.5), voltage)

	written := transport.Written()
	require.Len(written, 1)
	require.Equal("STRE\x05\x01GVOL\x00", string(written[0][:HEADER_LEN]))

	require.Equal(uint64(14), comm.BytesWritten())
	require.Equal(uint64(18), comm.BytesRead())
	require.False(comm.LastSuccess().IsZero())
	require.Less(comm.SecondsSinceLastSuccess(), 5.0)
}

func TestExecuteTwelvePorts(t *testing.T) {

	require := require.New(t)

	cmd, err := GetPower(POWER_MODULE_12_PORTS)
	require.NoError(err)
	power := []float32{10, 20, 30, 40, 50, 60, 70, 80, 90, 100, 110, 120}
	comm, _ := newTestCommunicator(t, ReplyWith(cmd, power))

	values, err := comm.Execute(context.Background(), 12, cmd)
	require.NoError(err)
	got, err := values.Float32s("power")
	require.NoError(err)
	require.Equal(power, got)
}

func TestExecuteCorrelationIdRotates(t *testing.T) {

	require := require.New(t)

	cmd := voltage8(t)
	comm, transport := newTestCommunicator(t, ReplyWith(cmd, float32(1)))

	for i := 0; i < 3; i++ {
		_, err := comm.Execute(context.Background(), 1, cmd)
		require.NoError(err)
	}
	frames := transport.WrittenFrames()
	require.Len(frames, 3)
	require.Equal(byte(1), frames[0].CID)
	require.Equal(byte(2), frames[1].CID)
	require.Equal(byte(3), frames[2].CID)
}

func TestExecuteNack(t *testing.T) {

	require := require.New(t)

	cmd := voltage8(t)
	comm, _ := newTestCommunicator(t, func(request Frame) [][]byte {
		return [][]byte{EncodeNack(cmd, request.Address, request.CID, NACK_UNKNOWN_COMMAND)}
	})

	_, err := comm.Execute(context.Background(), 4, cmd)
	var rejected *CommandRejected
	require.ErrorAs(err, &rejected)
	require.Equal(byte(4), rejected.Address)
	require.Equal("VOL", rejected.Opcode)
	require.True(rejected.UnknownCommand())
}

func TestExecuteTimeoutThenSuccess(t *testing.T) {

	require := require.New(t)

	cmd := voltage8(t)
	comm, transport := newTestCommunicator(t, ReplyWith(cmd, float32(49.5)))

	var unsolicited atomic.Int32
	comm.RegisterConsumer(MatchOpcode("VOL"), func(Frame) { unsolicited.Add(1) })

	transport.SetReplyDelay(300 * time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := comm.Execute(ctx, 1, cmd)
	require.ErrorIs(err, ErrCommunicationTimedOut)

	transport.SetReplyDelay(0)
	values, err := comm.Execute(context.Background(), 1, cmd)
	require.NoError(err)
	voltage, err := values.Float32("voltage")
	require.NoError(err)
	require.Equal(float32(49.5), voltage)

	// the late reply to the first request is dropped
	time.Sleep(400 * time.Millisecond)
	require.Equal(int32(0), unsolicited.Load())
}

func TestExecuteDefaultTimeout(t *testing.T) {
	comm, _ := newTestCommunicator(t, nil, WithCommandTimeout(50*time.Millisecond))

	start := time.Now()
	_, err := comm.Execute(context.Background(), 1, voltage8(t))
	assert.ErrorIs(t, err, ErrCommunicationTimedOut)
	assert.Less(t, time.Since(start), time.Second)
}

func TestExecuteBroadcast(t *testing.T) {

	require := require.New(t)

	comm, transport := newTestCommunicator(t, nil)

	dayNight, err := SetDayNight(POWER_MODULE_8_PORTS)
	require.NoError(err)
	values, err := comm.Execute(context.Background(), BROADCAST_ADDRESS, dayNight, []int8{DAY, DAY, DAY, DAY, NIGHT, NIGHT, NIGHT, NIGHT})
	require.NoError(err)
	require.Empty(values)

	frames := transport.WrittenFrames()
	require.Len(frames, 1)
	require.Equal(BROADCAST_ADDRESS, frames[0].Address)
	require.Equal([]byte{1, 1, 1, 1, 0, 0, 0, 0}, frames[0].Payload)
}

func TestExecuteSkipsNoise(t *testing.T) {

	require := require.New(t)

	cmd := voltage8(t)
	reply := ReplyWith(cmd, float32(12))
	comm, _ := newTestCommunicator(t, func(request Frame) [][]byte {
		corrupt, _ := EncodeReply(cmd, request.Address, request.CID, float32(99))
		corrupt[HEADER_LEN] ^= 0x10
		noise := [][]byte{[]byte("\x00\xffSTxR!"), corrupt}
		return append(noise, reply(request)...)
	})

	values, err := comm.Execute(context.Background(), 2, cmd)
	require.NoError(err)
	voltage, err := values.Float32("voltage")
	require.NoError(err)
	require.Equal(float32(12), voltage)
}

func TestExecuteIgnoresEcho(t *testing.T) {

	require := require.New(t)

	cmd := voltage8(t)
	reply := ReplyWith(cmd, float32(7))
	comm, transport := newTestCommunicator(t, nil)
	// half duplex adapters read back what they write
	transport.SetResponder(func(request Frame) [][]byte {
		echo, _ := EncodeRequest(cmd, request.Address, request.CID)
		return append([][]byte{echo}, reply(request)...)
	})

	values, err := comm.Execute(context.Background(), 2, cmd)
	require.NoError(err)
	require.Equal(float32(7), values["voltage"])
}

func TestExecuteSerializesCallers(t *testing.T) {

	require := require.New(t)

	cmd := voltage8(t)
	comm, transport := newTestCommunicator(t, ReplyWith(cmd, float32(5)))
	transport.SetReplyDelay(10 * time.Millisecond)

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(address byte) {
			defer wg.Done()
			_, err := comm.Execute(context.Background(), address, cmd)
			errs <- err
		}(byte(i + 1))
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(err)
	}

	frames := transport.WrittenFrames()
	require.Len(frames, 8)
	cids := map[byte]bool{}
	for _, f := range frames {
		cids[f.CID] = true
	}
	require.Len(cids, 8)
}

func TestUnsolicitedFramesReachConsumers(t *testing.T) {

	require := require.New(t)

	comm, transport := newTestCommunicator(t, nil)

	received := make(chan Frame, 1)
	handle := comm.RegisterConsumer(MatchAddressOpcode(7, "SHS"), func(f Frame) { received <- f })

	other, err := EncodeReply(GetShutterStatus, 8, 0, uint8(1))
	require.NoError(err)
	status, err := EncodeReply(GetShutterStatus, 7, 0, uint8(0x05))
	require.NoError(err)
	transport.Inject(append(other, status...))

	select {
	case f := <-received:
		require.Equal(byte(7), f.Address)
		require.Equal([]byte{0x05}, f.Payload)
	case <-time.After(2 * time.Second):
		require.Fail("consumer not called")
	}

	comm.UnregisterConsumer(handle)
	transport.Inject(status)
	select {
	case <-received:
		require.Fail("unregistered consumer called")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestResyncAfterIdle(t *testing.T) {

	require := require.New(t)

	comm, transport := newTestCommunicator(t, nil, WithResyncIdle(20*time.Millisecond))

	received := make(chan Frame, 1)
	comm.RegisterConsumer(MatchOpcode("SHS"), func(f Frame) { received <- f })

	// a header announcing a long payload that never arrives
	transport.Inject([]byte("RTRE\x01\x01GSHS\xff"))
	time.Sleep(100 * time.Millisecond)
	status, err := EncodeReply(GetShutterStatus, 1, 0, uint8(3))
	require.NoError(err)
	transport.Inject(status)

	select {
	case f := <-received:
		require.Equal([]byte{3}, f.Payload)
	case <-time.After(2 * time.Second):
		require.Fail("frame after noise not decoded")
	}
}

func TestTransportFailure(t *testing.T) {

	require := require.New(t)

	comm, transport := newTestCommunicator(t, nil)
	transport.FailReads(errors.New("device unplugged"))

	require.Eventually(func() bool { return comm.Err() != nil }, 2*time.Second, 10*time.Millisecond)

	_, err := comm.Execute(context.Background(), 1, voltage8(t))
	var terr *TransportError
	require.ErrorAs(err, &terr)
	require.Equal("read", terr.Op)
}

func TestWriteFailure(t *testing.T) {

	require := require.New(t)

	comm, transport := newTestCommunicator(t, nil)
	transport.FailWrites(errors.New("broken pipe"))

	_, err := comm.Execute(context.Background(), 1, voltage8(t))
	var terr *TransportError
	require.ErrorAs(err, &terr)
	require.Equal("write", terr.Op)
	require.Error(comm.Err())
}

func TestExecuteAfterClose(t *testing.T) {
	comm, _ := newTestCommunicator(t, nil)
	require.NoError(t, comm.Close())

	_, err := comm.Execute(context.Background(), 1, voltage8(t))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestExecuteQueuedBehindAddressModeStart(t *testing.T) {

	require := require.New(t)

	cmd := voltage8(t)
	comm, transport := newTestCommunicator(t, ReplyWith(cmd, float32(230)))

	// hold the bus so the command queues past the first address mode check
	require.NoError(comm.acquire(context.Background()))
	result := make(chan error, 1)
	go func() {
		_, err := comm.Execute(context.Background(), 3, cmd)
		result <- err
	}()
	time.Sleep(50 * time.Millisecond)

	comm.addressMode.Store(true)
	comm.release()

	select {
	case err := <-result:
		require.ErrorIs(err, ErrInAddressMode)
	case <-time.After(time.Second):
		require.Fail("queued command did not return")
	}
	require.Empty(transport.Written())
	require.True(comm.InAddressMode())
}
