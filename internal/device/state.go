package device

import (
	"github.com/dumacp/go-logs/pkg/logs"
	"github.com/looplab/fsm"
)

// Kind identifies one controllable hardware module.
type Kind int

const (
	GNSS Kind = iota
	Wifi
	Cell
	MQTT
	MQTTSN
)

func (k Kind) String() string {
	switch k {
	case GNSS:
		return "gnss"
	case Wifi:
		return "wifi"
	case Cell:
		return "cell"
	case MQTT:
		return "mqtt"
	case MQTTSN:
		return "mqttsn"
	default:
		return "unknown"
	}
}

// Kinds lists every module in the registry arena.
var Kinds = []Kind{GNSS, Wifi, Cell, MQTT, MQTTSN}

// State is the lifecycle level of a module. Transitions climb one level at
// a time; disconnect and close step back down.
type State int

const (
	Closed State = iota
	Open
	Connected
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case Connected:
		return "connected"
	default:
		return "unknown"
	}
}

const (
	sClosed    = "sClosed"
	sOpen      = "sOpen"
	sConnected = "sConnected"
)

const (
	openEvent       = "openEvent"
	connectEvent    = "connectEvent"
	disconnectEvent = "disconnectEvent"
	closeEvent      = "closeEvent"
)

func newLifecycleFSM(kind Kind) *fsm.FSM {
	return fsm.NewFSM(
		sClosed,
		fsm.Events{
			{Name: openEvent, Src: []string{sClosed}, Dst: sOpen},
			{Name: connectEvent, Src: []string{sOpen}, Dst: sConnected},
			{Name: disconnectEvent, Src: []string{sConnected}, Dst: sOpen},
			{Name: closeEvent, Src: []string{sOpen, sConnected}, Dst: sClosed},
		},
		fsm.Callbacks{
			"enter_state": func(e *fsm.Event) {
				logs.LogBuild.Printf("FSM %s state Src: %v, state Dst: %v", kind, e.Src, e.Dst)
			},
			"leave_state": func(e *fsm.Event) {
				if e.Err != nil {
					e.Cancel(e.Err)
				}
			},
		},
	)
}

func stateOf(fsmState string) State {
	switch fsmState {
	case sOpen:
		return Open
	case sConnected:
		return Connected
	default:
		return Closed
	}
}
