package messaging

import (
	"fmt"
	"strings"
)

// Pattern is the interaction pattern of an exchange
type Pattern int

const (
	// InOnly is fire-and-forget
	InOnly Pattern = iota
	// InOut is request-reply
	InOut
)

// String returns the pattern name
func (p Pattern) String() string {
	switch p {
	case InOnly:
		return "IN_ONLY"
	case InOut:
		return "IN_OUT"
	default:
		return fmt.Sprintf("Pattern(%d)", int(p))
	}
}

// ParsePattern accepts IN_ONLY / IN_OUT in any case, with '-' or '_'
func ParsePattern(name string) (Pattern, error) {
	switch strings.ReplaceAll(strings.ToUpper(strings.TrimSpace(name)), "-", "_") {
	case "IN_ONLY", "INONLY":
		return InOnly, nil
	case "IN_OUT", "INOUT":
		return InOut, nil
	default:
		return InOnly, fmt.Errorf("messaging: unknown exchange pattern %q", name)
	}
}

// Phase is the stage of an exchange's current message
type Phase int

const (
	// PhaseNone precedes the first send
	PhaseNone Phase = iota
	// PhaseIn carries the request
	PhaseIn
	// PhaseOut carries the reply
	PhaseOut
	// PhaseInFault reports a failure while processing the request
	PhaseInFault
	// PhaseOutFault reports a failure after a reply was produced
	PhaseOutFault
)

// String returns the phase name
func (p Phase) String() string {
	switch p {
	case PhaseNone:
		return "NONE"
	case PhaseIn:
		return "IN"
	case PhaseOut:
		return "OUT"
	case PhaseInFault:
		return "IN_FAULT"
	case PhaseOutFault:
		return "OUT_FAULT"
	default:
		return fmt.Sprintf("Phase(%d)", int(p))
	}
}

// IsFault reports whether the phase carries a fault
func (p Phase) IsFault() bool {
	return p == PhaseInFault || p == PhaseOutFault
}

// ExchangeState is the lifecycle state of an exchange
type ExchangeState int

const (
	// StateInitial: created, nothing sent
	StateInitial ExchangeState = iota
	// StateActive: a message is in flight
	StateActive
	// StateDone: the terminal message was delivered
	StateDone
)

// String returns the state name
func (s ExchangeState) String() string {
	switch s {
	case StateInitial:
		return "INITIAL"
	case StateActive:
		return "ACTIVE"
	case StateDone:
		return "DONE"
	default:
		return fmt.Sprintf("ExchangeState(%d)", int(s))
	}
}
