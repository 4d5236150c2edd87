package client

import (
	"context"
	"errors"
	"sync"

	"github.com/exploopio/devicecontext/pkg/devicecontext"
)

// State is the lifecycle state of a Transaction.
type State int

const (
	StateNoTransaction State = iota
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return "no_transaction"
	}
}

var (
	// ErrNoTransaction is returned when pushing or closing before a successful start.
	ErrNoTransaction = errors.New("no open transaction")

	// ErrTransactionClosed is returned when pushing or closing after close.
	ErrTransactionClosed = errors.New("transaction already closed")
)

// Transactor is the ingestion API surface a transaction drives. *Client
// implements it.
type Transactor interface {
	StartTransaction(ctx context.Context) (devicecontext.TransactionID, Outcome, error)
	PushBatch(ctx context.Context, id devicecontext.TransactionID, batch []devicecontext.Record) (Outcome, error)
	CloseTransaction(ctx context.Context, id devicecontext.TransactionID) (Outcome, error)
}

var _ Transactor = (*Client)(nil)

// Transaction tracks one start/push/close sequence against a Transactor.
type Transaction struct {
	api Transactor

	mu    sync.Mutex
	id    devicecontext.TransactionID
	state State
}

// Begin starts a transaction on the client.
func (c *Client) Begin(ctx context.Context) (*Transaction, Outcome, error) {
	return Begin(ctx, c)
}

// Begin starts a transaction. When the outcome is not OutcomeStarted the
// returned Transaction stays in StateNoTransaction and refuses pushes.
func Begin(ctx context.Context, api Transactor) (*Transaction, Outcome, error) {
	tx := &Transaction{api: api}
	id, outcome, err := api.StartTransaction(ctx)
	if err != nil {
		return tx, outcome, err
	}
	if outcome.Kind == OutcomeStarted {
		tx.id = id
		tx.state = StateOpen
	}
	return tx, outcome, nil
}

// ID returns the transaction id, empty until started.
func (t *Transaction) ID() devicecontext.TransactionID {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.id
}

// State returns the current lifecycle state.
func (t *Transaction) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Push submits one batch within the transaction.
func (t *Transaction) Push(ctx context.Context, batch []devicecontext.Record) (Outcome, error) {
	id, err := t.openID()
	if err != nil {
		return Outcome{Operation: OperationPush}, err
	}
	return t.api.PushBatch(ctx, id, batch)
}

// Close ends the transaction. Once the API has answered with any status the
// transaction is considered closed; a timeout or transport fault leaves it open.
func (t *Transaction) Close(ctx context.Context) (Outcome, error) {
	id, err := t.openID()
	if err != nil {
		return Outcome{Operation: OperationClose}, err
	}
	outcome, err := t.api.CloseTransaction(ctx, id)
	if err == nil && outcome.StatusCode != 0 {
		t.mu.Lock()
		t.state = StateClosed
		t.mu.Unlock()
	}
	return outcome, err
}

func (t *Transaction) openID() (devicecontext.TransactionID, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch t.state {
	case StateOpen:
		return t.id, nil
	case StateClosed:
		return "", ErrTransactionClosed
	default:
		return "", ErrNoTransaction
	}
}
