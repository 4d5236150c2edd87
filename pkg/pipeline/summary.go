package pipeline

import (
	"fmt"
	"time"

	"github.com/exploopio/devicecontext/pkg/client"
	"github.com/exploopio/devicecontext/pkg/devicecontext"
)

// BatchResult is the outcome of one push.
type BatchResult struct {
	Index   int            `json:"index"`
	Size    int            `json:"size"`
	Outcome client.Outcome `json:"-"`
}

// Summary reports what one run did.
type Summary struct {
	RunID         string                      `json:"run_id"`
	Source        string                      `json:"source"`
	TransactionID devicecontext.TransactionID `json:"transaction_id,omitempty"`
	Records       int                         `json:"records"`

	// Started is false when the start call did not yield a transaction; no
	// batch was pushed and close was not called.
	Started bool           `json:"started"`
	Start   client.Outcome `json:"-"`

	Batches []BatchResult `json:"batches"`

	// Counts tallies batch outcomes by kind.
	Counts map[client.OutcomeKind]int `json:"-"`

	// Close is nil when close was never attempted.
	Close  *client.Outcome `json:"-"`
	Closed bool            `json:"closed"`

	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`

	// Err is the fault that stopped the run, if any.
	Err error `json:"-"`
}

// Accepted returns the number of accepted batches.
func (s *Summary) Accepted() int {
	return s.Counts[client.OutcomeAccepted]
}

// Rejected returns the number of batches the API rejected.
func (s *Summary) Rejected() int {
	return s.Counts[client.OutcomeAuthOrRateLimit] + s.Counts[client.OutcomeValidationRejected]
}

// Unclassified returns the number of batches with an unclassified outcome.
func (s *Summary) Unclassified() int {
	return s.Counts[client.OutcomeUnclassified]
}

// Duration returns how long the run took.
func (s *Summary) Duration() time.Duration {
	if s.FinishedAt.IsZero() {
		return 0
	}
	return s.FinishedAt.Sub(s.StartedAt)
}

func (s *Summary) String() string {
	if !s.Started {
		return fmt.Sprintf("source=%s records=%d not started: %s", s.Source, s.Records, s.Start)
	}
	closed := "not closed"
	if s.Closed {
		closed = "closed"
	} else if s.Close != nil {
		closed = s.Close.String()
	}
	return fmt.Sprintf("source=%s transaction=%s records=%d batches=%d accepted=%d rejected=%d unclassified=%d %s",
		s.Source, s.TransactionID, s.Records, len(s.Batches), s.Accepted(), s.Rejected(), s.Unclassified(), closed)
}
