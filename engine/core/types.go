package core

// -----------------------------------------------------------------------------
// Reminder Status
// -----------------------------------------------------------------------------

type StatusType string

const (
	StatusPending          StatusType = "PENDING"
	StatusDispatched       StatusType = "DISPATCHED"
	StatusAwaitingResponse StatusType = "AWAITING_RESPONSE"
	StatusResolved         StatusType = "RESOLVED"
	StatusTimedOut         StatusType = "TIMED_OUT"
	StatusEscalated        StatusType = "ESCALATED"
	StatusFailed           StatusType = "FAILED"
)

func (s StatusType) String() string {
	return string(s)
}

// IsTerminal reports whether no further transition may leave the status.
func (s StatusType) IsTerminal() bool {
	switch s {
	case StatusResolved, StatusTimedOut, StatusFailed:
		return true
	default:
		return false
	}
}

// IsActive reports whether the status counts against the
// at-most-one-outstanding-reminder guard.
func (s StatusType) IsActive() bool {
	switch s {
	case StatusPending, StatusDispatched, StatusAwaitingResponse, StatusEscalated:
		return true
	default:
		return false
	}
}

// -----------------------------------------------------------------------------
// Canonical Outcome
// -----------------------------------------------------------------------------

// Outcome is the canonical result of normalizing an assignee reply. Produced
// only by the status normalizer, never by transports.
type Outcome string

const (
	OutcomeDone         Outcome = "DONE"
	OutcomeBlocked      Outcome = "BLOCKED"
	OutcomeInProgress   Outcome = "IN_PROGRESS"
	OutcomeNoResponse   Outcome = "NO_RESPONSE"
	OutcomeUnrecognized Outcome = "UNRECOGNIZED"
)

func (o Outcome) String() string {
	return string(o)
}

// Actionable reports whether the outcome may resolve a reminder. Unrecognized
// input never resolves; the record keeps waiting for a usable answer.
func (o Outcome) Actionable() bool {
	switch o {
	case OutcomeDone, OutcomeBlocked, OutcomeInProgress:
		return true
	default:
		return false
	}
}

// -----------------------------------------------------------------------------
// Channel Type
// -----------------------------------------------------------------------------

type ChannelType string

const (
	ChannelTelegram ChannelType = "telegram"
	ChannelVoice    ChannelType = "voice"
	ChannelSMS      ChannelType = "sms"
)

func (c ChannelType) String() string {
	return string(c)
}

func ParseChannel(s string) (ChannelType, bool) {
	switch ChannelType(s) {
	case ChannelTelegram, ChannelVoice, ChannelSMS:
		return ChannelType(s), true
	default:
		return "", false
	}
}
