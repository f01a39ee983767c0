package messages

import "time"

// Module commands. Token carries the aggregation lock owner token when the
// sender is the orchestrator; front-ends leave it empty.

type ModulePowerOn struct{ Token string }
type ModulePowerOff struct{ Token string }
type ModuleOpen struct{ Token string }
type ModuleConnect struct{ Token string }
type ModuleDisconnect struct{ Token string }
type ModuleClose struct{ Token string }

type ModuleSetPeriod struct {
	Millis int
	Token  string
}

type ModuleSetTimeout struct {
	Millis int
	Token  string
}

// Done answers a module command when the sender expects a response.
type Done struct {
	Op  string
	Err error
}

type ModuleStatusRequest struct{}

type ModuleStatus struct {
	Module     string
	State      string
	LastResult string
	PeriodMs   int
	TimeoutMs  int
	Request    *RequestStatus
}

type RequestStatus struct {
	ID        string
	Kind      string
	Outcome   string
	StartedAt time.Time
}

// StartSampling begins periodic requests of the given kind at the module
// period. StopSampling halts them.
type StartSampling struct {
	Kind  string
	Token string
}

type StopSampling struct{ Token string }

// Subscribe registers the sender as the receiver of request completions
// (positions, publish acks) from a module actor.
type Subscribe struct{}

// RequestCompleted is forwarded to a module actor's subscriber each time a
// request slot reaches a terminal outcome.
type RequestCompleted struct {
	Module    string
	Kind      string
	Outcome   string
	Payload   string
	Timestamp time.Time
}

// Position is a validated GNSS fix forwarded to subscribers.
type Position struct {
	Frame     string
	Lat       float64
	Lng       float64
	Timestamp time.Time
}

// SensorReading is one sample emitted by a sensor collaborator.
type SensorReading struct {
	Sensor    string
	Value     float64
	Timestamp time.Time
}

// RegisterModule introduces a module actor to the orchestrator; the sender
// is the module actor itself.
type RegisterModule struct{ Module string }

// Aggregation commands.

type AggStart struct{ Transport string }
type AggStop struct{ Transport string }
type AggSetPeriod struct{ Millis int }
type AggStatusRequest struct{}

type AggStatus struct {
	Mode       string
	PeriodMs   int
	Locked     bool
	LastResult string
}
