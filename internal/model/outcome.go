package model

type OutcomeKind int

const (
	OutcomeSent OutcomeKind = iota
	OutcomeBlockedByHours
	OutcomeInvalidAddress
	OutcomeChannelError
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSent:
		return "sent"
	case OutcomeBlockedByHours:
		return "blocked_by_hours"
	case OutcomeInvalidAddress:
		return "invalid_address"
	case OutcomeChannelError:
		return "channel_error"
	}
	return "unknown"
}

// OutsideBusinessHours is the return message stored for hour-blocked records.
const OutsideBusinessHours = "Fora do horário comercial"

// Outcome is the per-record result of one cycle. Each kind maps to exactly
// one status and return message pair.
type Outcome struct {
	Kind   OutcomeKind
	Reason string
}

func SentOutcome() Outcome { return Outcome{Kind: OutcomeSent} }

func BlockedByHours() Outcome {
	return Outcome{Kind: OutcomeBlockedByHours, Reason: OutsideBusinessHours}
}

func InvalidAddress(reason string) Outcome {
	return Outcome{Kind: OutcomeInvalidAddress, Reason: reason}
}

func ChannelError(message string) Outcome {
	return Outcome{Kind: OutcomeChannelError, Reason: message}
}

func (o Outcome) Status() Status {
	switch o.Kind {
	case OutcomeSent:
		return Sent
	case OutcomeBlockedByHours:
		return Pending
	}
	return NotSent
}

// ReturnMessage is nil for sent records, which keep whatever the store had.
func (o Outcome) ReturnMessage() *string {
	if o.Kind == OutcomeSent {
		return nil
	}
	msg := o.Reason
	return &msg
}
