package store

import "time"

// Status represents the processing status of an invoice.
type Status string

const (
	StatusPending Status = "pending"
	StatusError   Status = "error"
	StatusSuccess Status = "success"
)

// Invoice is the part of an invoice row the processor reads and writes.
type Invoice struct {
	ID            int64     `json:"id"`
	Status        Status    `json:"status"`
	RetryCount    int       `json:"retry_count"`
	UpdatedAt     time.Time `json:"updated_at"`
	LastAttemptAt time.Time `json:"last_attempt_at"`
}

// Eligible reports whether the invoice may be claimed by a cycle bounded by maxRetries.
// An errored invoice whose retry count reached the bound is never claimed again.
func (i Invoice) Eligible(maxRetries int) bool {
	switch i.Status {
	case StatusPending:
		return true
	case StatusError:
		return i.RetryCount < maxRetries
	default:
		return false
	}
}

// Update is the outcome written back for one claimed invoice.
type Update struct {
	ID          int64
	Status      Status
	RetryCount  int
	AttemptedAt time.Time
}

// Transition describes a committed status change of one invoice.
type Transition struct {
	CycleID     string    `json:"cycle_id"`
	InvoiceID   int64     `json:"invoice_id"`
	From        Status    `json:"from"`
	To          Status    `json:"to"`
	RetryCount  int       `json:"retry_count"`
	AttemptedAt time.Time `json:"attempted_at"`
}
