package domain

import (
	"github.com/asynkron/protoactor-go/actor"

	"github.com/berfenger/powerbus2mqtt/pkg/powerbus"
)

const (
	ACTOR_ID_MASTER       = "master"
	ACTOR_ID_BUS          = "bus"
	ACTOR_ID_METER        = "meter"
	ACTOR_ID_SHUTTER      = "shutter"
	ACTOR_ID_TIME_KEEPER  = "timekeeper"
	ACTOR_ID_MQTT         = "mqtt"
	ACTOR_ID_HA_DISCOVERY = "hadiscovery"
)

// BusRequest marks the requests the master routes to the bus actor.
type BusRequest interface {
	ActorRequest
	BusRequest()
}

type BusRequestMixIn struct {
	ActorRequestMixIn
}

func (BusRequestMixIn) BusRequest() {}

type ExecuteCommandRequest struct {
	BusRequestMixIn
	Address uint8
	Command *powerbus.Command
	Args    []any
}

type ExecuteCommandResponse struct {
	ActorResponseMixIn
	Values powerbus.Values
}

type ReadModuleRequest struct {
	BusRequestMixIn
	Module PowerModule
}

type ReadModuleResponse struct {
	ActorResponseMixIn
	Reading *ModuleReading
}

type GetBusHealthRequest struct {
	BusRequestMixIn
}

type GetBusHealthResponse struct {
	ActorResponseMixIn
	Health BusHealth
}

type StartAddressModeRequest struct {
	BusRequestMixIn
}

type StopAddressModeRequest struct {
	BusRequestMixIn
}

type AddressModeResponse struct {
	ActorResponseMixIn
	Active bool
}

type GetAddressModeRequest struct {
	BusRequestMixIn
}

type GetAddressModeResponse struct {
	ActorResponseMixIn
	Active          bool
	LastAssignments []AddressAssignment
}

// RegisterFrameConsumerRequest subscribes Target to the unsolicited frames
// selected by Match. Target receives BusFrameEvent messages.
type RegisterFrameConsumerRequest struct {
	BusRequestMixIn
	Match  powerbus.FrameMatcher
	Target *actor.PID
}

type RegisterFrameConsumerResponse struct {
	ActorResponseMixIn
}

type BusFrameEvent struct {
	Frame powerbus.Frame
}

// BusConnectedEvent is published on the event stream every time the bus
// actor opens the transport. Frame consumers must register again.
type BusConnectedEvent struct{}

// AddressModeChangedEvent is published on the event stream when an address
// mode session starts or ends.
type AddressModeChangedEvent struct {
	Active      bool
	Assignments []AddressAssignment
}

type PublishMessageRequest struct {
	ActorRequestMixIn
	Topic   string
	Payload string
	Retain  bool
}

type PublishMessageResponse struct {
	ActorResponseMixIn
}

type PublishSensorUpdateRequest struct {
	ActorRequestMixIn
	Retain bool
	Event  SensorUpdateEvent
}

type PublishSensorUpdateResponse struct {
	ActorResponseMixIn
}

type PublishDiscoveryRequest struct {
	ActorRequestMixIn
	Sensors  []GenericSensor
	Switches []GenericSwitch
	Buttons  []GenericButton
}

type PublishDiscoveryResponse struct {
	ActorResponseMixIn
}

type ActorHealthRequest struct {
	ActorRequestMixIn
}

type ActorHealthResponse struct {
	ActorResponseMixIn
	Id      string
	Healthy bool
	State   string
}
