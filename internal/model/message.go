package model

import (
	"fmt"
	"time"

	"github.com/LeventeLantos/whatsapp-dispatcher/internal/phone"
)

// Status is the lifecycle state of a dispatch record. The store keeps its
// own string representation; the mapping lives in the repo package.
type Status int

const (
	Queued Status = iota
	Sent
	NotSent
	Pending
)

func (s Status) String() string {
	switch s {
	case Queued:
		return "queued"
	case Sent:
		return "sent"
	case NotSent:
		return "not_sent"
	case Pending:
		return "pending"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// ParseStatus accepts the names produced by Status.String.
func ParseStatus(v string) (Status, error) {
	switch v {
	case "queued":
		return Queued, nil
	case "sent":
		return Sent, nil
	case "not_sent":
		return NotSent, nil
	case "pending":
		return Pending, nil
	}
	return 0, fmt.Errorf("unknown status %q", v)
}

type Record struct {
	ID            int64
	Phone         *string
	Address       phone.Address
	Body          string
	Status        Status
	ReturnMessage *string
	CreatedAt     time.Time
	UpdatedAt     *time.Time
}

// CycleContext is captured once when the channel reports ready and is
// read-only for every cycle afterwards.
type CycleContext struct {
	BotNumber string
}

// Origin is the "from" identity written to the audit log.
func (c CycleContext) Origin() string {
	if c.BotNumber == "" {
		return "BOT"
	}
	return c.BotNumber
}
