package client

import (
	"fmt"
	"net/http"
	"time"

	sdkerrors "github.com/exploopio/devicecontext/pkg/errors"
)

// Operation names one of the three ingestion API calls.
type Operation string

const (
	OperationStart Operation = "start"
	OperationPush  Operation = "push"
	OperationClose Operation = "close"
)

// OutcomeKind is the classified result of one API call.
type OutcomeKind int

const (
	// OutcomeUnclassified covers every status the operation has no rule for,
	// and call timeouts.
	OutcomeUnclassified OutcomeKind = iota
	OutcomeStarted
	OutcomeAccepted
	OutcomeClosed
	// OutcomeAuthOrRateLimit is a 401/429 rejection; the reason is the HTTP reason phrase.
	OutcomeAuthOrRateLimit
	// OutcomeValidationRejected is a 400 rejection carrying the body's message.
	OutcomeValidationRejected
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeStarted:
		return "started"
	case OutcomeAccepted:
		return "accepted"
	case OutcomeClosed:
		return "closed"
	case OutcomeAuthOrRateLimit:
		return "auth_or_rate_limit"
	case OutcomeValidationRejected:
		return "validation_rejected"
	default:
		return "unclassified"
	}
}

// statusRules maps each operation's HTTP statuses to outcomes. Statuses not
// listed are unclassified.
var statusRules = map[Operation]map[int]OutcomeKind{
	OperationStart: {
		http.StatusOK:         OutcomeStarted,
		http.StatusBadRequest: OutcomeValidationRejected,
	},
	OperationPush: {
		http.StatusAccepted:        OutcomeAccepted,
		http.StatusUnauthorized:    OutcomeAuthOrRateLimit,
		http.StatusTooManyRequests: OutcomeAuthOrRateLimit,
		http.StatusBadRequest:      OutcomeValidationRejected,
	},
	OperationClose: {
		http.StatusOK:         OutcomeClosed,
		http.StatusBadRequest: OutcomeValidationRejected,
	},
}

// Classify maps an HTTP status to the outcome kind for op.
func Classify(op Operation, status int) OutcomeKind {
	if kind, ok := statusRules[op][status]; ok {
		return kind
	}
	return OutcomeUnclassified
}

// Outcome is the classified result of one API call.
type Outcome struct {
	Kind       OutcomeKind
	Operation  Operation
	StatusCode int

	// Reason is the HTTP reason phrase, e.g. "Too Many Requests".
	Reason string

	// Message is the "message" field of a 400 response body, or a
	// description of why the outcome is unclassified.
	Message string

	// Payload echoes the request body of a rejected push for diagnostics.
	Payload []byte

	// Err is set when the call timed out.
	Err error

	RequestID string
	Duration  time.Duration
}

// OK reports whether the call succeeded for its operation.
func (o Outcome) OK() bool {
	switch o.Kind {
	case OutcomeStarted, OutcomeAccepted, OutcomeClosed:
		return true
	default:
		return false
	}
}

// Rejected reports whether the API explicitly rejected the call.
func (o Outcome) Rejected() bool {
	return o.Kind == OutcomeAuthOrRateLimit || o.Kind == OutcomeValidationRejected
}

// ErrorKind maps a non-OK outcome onto the SDK error taxonomy.
func (o Outcome) ErrorKind() sdkerrors.Kind {
	switch o.Kind {
	case OutcomeAuthOrRateLimit:
		return sdkerrors.KindAuthOrRateLimit
	case OutcomeValidationRejected:
		return sdkerrors.KindValidation
	case OutcomeUnclassified:
		return sdkerrors.KindUnclassified
	default:
		return sdkerrors.KindUnknown
	}
}

// Detail returns the human-readable reason for the outcome.
func (o Outcome) Detail() string {
	switch {
	case o.Kind == OutcomeAuthOrRateLimit:
		return o.Reason
	case o.Message != "":
		return o.Message
	case o.Err != nil:
		return o.Err.Error()
	case o.Reason != "":
		return o.Reason
	default:
		return ""
	}
}

func (o Outcome) String() string {
	if o.StatusCode == 0 {
		return fmt.Sprintf("%s %s: %s", o.Operation, o.Kind, o.Detail())
	}
	if d := o.Detail(); d != "" && !o.OK() {
		return fmt.Sprintf("%s %s (%d): %s", o.Operation, o.Kind, o.StatusCode, d)
	}
	return fmt.Sprintf("%s %s (%d)", o.Operation, o.Kind, o.StatusCode)
}
