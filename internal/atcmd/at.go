// Package atcmd implements the command channel shared by the AT-driven
// modules (radios, MQTT-SN client, GNSS receiver). Commands are written to
// the channel fire-and-forget; answers and unsolicited result codes (URC)
// come back as lines that are classified and dispatched to the handler
// registered for their prefix.
package atcmd

import "strings"

const (
	CRLF   = "\r\n"
	Prompt = "> "

	RespOK        = "OK"
	RespError     = "ERROR"
	RespNoCarrier = "NO CARRIER"
	RespBusy      = "BUSY"
	CmeError      = "+CME ERROR:"
	CmsError      = "+CMS ERROR:"
)

type ResponseType int

const (
	// TypeFinal terminates a command (OK, ERROR, +CME ERROR...).
	TypeFinal ResponseType = iota
	// TypeURC is an unsolicited notification not tied to the command
	// that logically caused it.
	TypeURC
	// TypeData is intermediate command output.
	TypeData
	// TypePrompt is the text-entry prompt.
	TypePrompt
)

var finals = []string{RespOK, RespError, RespNoCarrier, RespBusy, CmeError, CmsError}

// Classify assumes no-echo mode (ATE0).
func Classify(line string) ResponseType {
	if line == Prompt {
		return TypePrompt
	}
	for _, f := range finals {
		if line == f || strings.HasPrefix(line, f) {
			return TypeFinal
		}
	}
	if strings.HasPrefix(line, "+") || strings.HasPrefix(line, "$") {
		return TypeURC
	}
	return TypeData
}
