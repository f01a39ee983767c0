package aggregation

import (
	"github.com/dumacp/go-logs/pkg/logs"
	"github.com/looplab/fsm"
)

const (
	ModeDisabled = "disabled"
	ModeWifi     = "wifi"
	ModeCell     = "cell"
)

const (
	TransportWifi = "wifi"
	TransportCell = "cell"
)

const (
	sDisabled   = "sDisabled"
	sWifiActive = "sWifiActive"
	sCellActive = "sCellActive"
)

const (
	startWifiEvent = "startWifiEvent"
	startCellEvent = "startCellEvent"
	stopEvent      = "stopEvent"
)

func newSessionFSM() *fsm.FSM {
	return fsm.NewFSM(
		sDisabled,
		fsm.Events{
			{Name: startWifiEvent, Src: []string{sDisabled}, Dst: sWifiActive},
			{Name: startCellEvent, Src: []string{sDisabled}, Dst: sCellActive},
			{Name: stopEvent, Src: []string{sWifiActive, sCellActive}, Dst: sDisabled},
		},
		fsm.Callbacks{
			"enter_state": func(e *fsm.Event) {
				logs.LogBuild.Printf("FSM AGGREGATION state Src: %v, state Dst: %v", e.Src, e.Dst)
			},
		},
	)
}

func modeOf(fsmState string) string {
	switch fsmState {
	case sWifiActive:
		return ModeWifi
	case sCellActive:
		return ModeCell
	default:
		return ModeDisabled
	}
}
