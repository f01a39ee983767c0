package result

import "errors"

var (
	ErrInvalidParameter = errors.New("invalid parameter")
	ErrInvalidState     = errors.New("invalid state")
	ErrTimedOut         = errors.New("timed out")
	ErrSuperseded       = errors.New("superseded by new request")
	ErrTransportFailure = errors.New("transport failure")
	ErrNotFound         = errors.New("not found")
	ErrUnknown          = errors.New("unknown error")
)

// Code is the status value reported to front-ends for the last
// operation on a module.
type Code int

const (
	OK Code = iota
	InvalidParameter
	InvalidState
	TimedOut
	Superseded
	TransportFailure
	NotFound
	Unknown
)

func (c Code) String() string {
	switch c {
	case OK:
		return "OK"
	case InvalidParameter:
		return "INVALID_PARAMETER"
	case InvalidState:
		return "INVALID_STATE"
	case TimedOut:
		return "TIMED_OUT"
	case Superseded:
		return "SUPERSEDED"
	case TransportFailure:
		return "TRANSPORT_FAILURE"
	case NotFound:
		return "NOT_FOUND"
	default:
		return "UNKNOWN"
	}
}

// CodeOf maps an error to its status code. nil maps to OK.
func CodeOf(err error) Code {
	switch {
	case err == nil:
		return OK
	case errors.Is(err, ErrInvalidParameter):
		return InvalidParameter
	case errors.Is(err, ErrInvalidState):
		return InvalidState
	case errors.Is(err, ErrTimedOut):
		return TimedOut
	case errors.Is(err, ErrSuperseded):
		return Superseded
	case errors.Is(err, ErrTransportFailure):
		return TransportFailure
	case errors.Is(err, ErrNotFound):
		return NotFound
	default:
		return Unknown
	}
}

// Outcome is the terminal (or pending) result of one request slot.
type Outcome int

const (
	Pending Outcome = iota
	Success
	Failed
	OutcomeTimedOut
	OutcomeSuperseded
)

func (o Outcome) String() string {
	switch o {
	case Pending:
		return "PENDING"
	case Success:
		return "SUCCESS"
	case Failed:
		return "FAILED"
	case OutcomeTimedOut:
		return "TIMED_OUT"
	case OutcomeSuperseded:
		return "SUPERSEDED"
	default:
		return "UNKNOWN"
	}
}

// Terminal reports whether the outcome is final.
func (o Outcome) Terminal() bool {
	return o != Pending
}

// Err maps a terminal outcome to the error reported to callers.
func (o Outcome) Err() error {
	switch o {
	case Pending, Success:
		return nil
	case OutcomeTimedOut:
		return ErrTimedOut
	case OutcomeSuperseded:
		return ErrSuperseded
	default:
		return ErrUnknown
	}
}
