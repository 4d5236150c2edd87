// Package pipeline runs one ingestion: start a transaction, push every
// batch in order, close it.
//
// Calls are strictly sequential on the caller's goroutine. A rejected batch
// is reported and the run moves on; only a transport fault, a cancelled
// context or a failed start stops it early.
package pipeline

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/exploopio/devicecontext/pkg/audit"
	"github.com/exploopio/devicecontext/pkg/chunk"
	"github.com/exploopio/devicecontext/pkg/client"
	"github.com/exploopio/devicecontext/pkg/core"
	"github.com/exploopio/devicecontext/pkg/devicecontext"
	sdkerrors "github.com/exploopio/devicecontext/pkg/errors"
	"github.com/exploopio/devicecontext/pkg/metrics"
)

// Source yields the normalized records of one integration.
type Source interface {
	Name() string
	Records(ctx context.Context) ([]devicecontext.Record, error)
}

// Config configures a pipeline.
type Config struct {
	// Client performs the API calls. Required.
	Client client.Transactor

	// Source is the integration label used in logs, metrics and the audit trail.
	Source string

	// BatchSize defaults to chunk.DefaultBatchSize.
	BatchSize int

	Logger  core.Logger
	Metrics metrics.Collector
	Audit   *audit.Logger

	// OnBatch is called after each push with a classified outcome.
	OnBatch func(result BatchResult)
}

// Pipeline drives ingestion runs.
type Pipeline struct {
	api       client.Transactor
	source    string
	batchSize int
	logger    core.Logger
	metrics   metrics.Collector
	audit     *audit.Logger
	onBatch   func(BatchResult)
}

// New creates a pipeline.
func New(cfg *Config) (*Pipeline, error) {
	if cfg == nil || cfg.Client == nil {
		return nil, sdkerrors.E(sdkerrors.KindInvalidInput, "pipeline.New", "client is required")
	}

	batchCfg := &chunk.Config{BatchSize: cfg.BatchSize}
	if err := batchCfg.Validate(); err != nil {
		return nil, sdkerrors.E(sdkerrors.KindInvalidInput, "pipeline.New", err)
	}

	p := &Pipeline{
		api:       cfg.Client,
		source:    cfg.Source,
		batchSize: batchCfg.BatchSize,
		logger:    cfg.Logger,
		metrics:   cfg.Metrics,
		audit:     cfg.Audit,
		onBatch:   cfg.OnBatch,
	}
	if p.logger == nil {
		p.logger = core.GetDefaultLogger()
	}
	if p.metrics == nil {
		p.metrics = &metrics.NopCollector{}
	}
	return p, nil
}

// RunSource normalizes src and runs its records. A mapping failure aborts
// before any API call is made.
func (p *Pipeline) RunSource(ctx context.Context, src Source) (*Summary, error) {
	timer := metrics.NewTimer(p.metrics, metrics.NormalizeDuration.Name, "source", src.Name())
	records, err := src.Records(ctx)
	timer.ObserveDuration()
	if err != nil {
		p.logger.Error("normalize %s records: %v", src.Name(), err)
		p.auditEvent(audit.Event{
			Type:     audit.EventRunFailed,
			Severity: audit.SeverityError,
			Source:   src.Name(),
			Message:  "normalization failed",
			Error:    err.Error(),
		})
		return nil, err
	}

	p.metrics.CounterAdd(metrics.RecordsNormalized.Name, float64(len(records)), "source", src.Name())
	p.logger.Info("normalized %d %s records", len(records), src.Name())

	run := *p
	if run.source == "" {
		run.source = src.Name()
	}
	return run.Run(ctx, records)
}

// Run submits records as one transaction. The summary is returned even when
// the run stops early; the error is non-nil only for faults the API did not
// classify (transport failures, cancellation, invalid records).
func (p *Pipeline) Run(ctx context.Context, records []devicecontext.Record) (*Summary, error) {
	sum := &Summary{
		RunID:     uuid.NewString(),
		Source:    p.source,
		Records:   len(records),
		Counts:    make(map[client.OutcomeKind]int),
		StartedAt: time.Now(),
	}

	for i, r := range records {
		if err := r.Validate(); err != nil {
			return p.fail(sum, sdkerrors.Mapping(p.source, i, "", err))
		}
	}

	p.auditEvent(audit.Event{
		Type:    audit.EventRunStarted,
		RunID:   sum.RunID,
		Source:  p.source,
		Records: len(records),
		Message: "run started",
		Details: map[string]any{"batches": chunk.Count(len(records), p.batchSize)},
	})

	tx, outcome, err := client.Begin(ctx, p.api)
	sum.Start = outcome
	if err != nil {
		return p.fail(sum, err)
	}
	if outcome.Kind == client.OutcomeStarted {
		sum.Started = true
		sum.TransactionID = tx.ID()
	}
	p.recordTransaction(sum, outcome)

	if !sum.Started {
		p.logger.Error("transaction start failed: %s", outcome)
		p.finish(sum)
		return sum, nil
	}
	p.logger.Info("transaction %s started", sum.TransactionID)

	index := 0
	for batch := range chunk.Batches(records, p.batchSize) {
		if err := ctx.Err(); err != nil {
			return p.fail(sum, err)
		}

		outcome, err := tx.Push(ctx, batch)
		if err != nil {
			return p.fail(sum, err)
		}

		result := BatchResult{Index: index, Size: len(batch), Outcome: outcome}
		sum.Batches = append(sum.Batches, result)
		sum.Counts[outcome.Kind]++
		p.recordBatch(sum, result)
		index++
	}

	outcome, err = tx.Close(ctx)
	sum.Close = &outcome
	if err != nil {
		return p.fail(sum, err)
	}
	sum.Closed = outcome.Kind == client.OutcomeClosed
	p.recordTransaction(sum, outcome)

	p.finish(sum)
	return sum, nil
}

func (p *Pipeline) recordTransaction(sum *Summary, outcome client.Outcome) {
	p.metrics.CounterInc(metrics.TransactionsTotal.Name,
		"source", p.source, "operation", string(outcome.Operation), "outcome", outcome.Kind.String())
	p.observe(outcome)

	event := audit.Event{
		RunID:         sum.RunID,
		Source:        p.source,
		TransactionID: string(sum.TransactionID),
		StatusCode:    outcome.StatusCode,
		Outcome:       outcome.Kind.String(),
		Duration:      outcome.Duration,
	}

	switch {
	case outcome.Operation == client.OperationStart && outcome.Kind == client.OutcomeStarted:
		event.Type = audit.EventTransactionStarted
		event.Message = "transaction started"
	case outcome.Operation == client.OperationStart:
		event.Type = audit.EventTransactionFailed
		event.Severity = audit.SeverityError
		event.Message = outcome.Detail()
	case outcome.Kind == client.OutcomeClosed:
		event.Type = audit.EventTransactionClosed
		event.Message = "transaction closed"
		p.logger.Info("transaction %s closed", sum.TransactionID)
	default:
		event.Type = audit.EventCloseFailed
		event.Severity = audit.SeverityWarning
		event.Message = outcome.Detail()
		p.logger.Warn("transaction %s close failed: %s", sum.TransactionID, outcome)
	}
	if outcome.Err != nil {
		event.Error = outcome.Err.Error()
	}
	p.auditEvent(event)
}

func (p *Pipeline) recordBatch(sum *Summary, result BatchResult) {
	outcome := result.Outcome
	kind := outcome.Kind.String()

	p.metrics.CounterInc(metrics.BatchesTotal.Name, "source", p.source, "outcome", kind)
	p.metrics.CounterAdd(metrics.RecordsPushed.Name, float64(result.Size), "source", p.source, "outcome", kind)
	p.observe(outcome)

	event := audit.Event{
		RunID:         sum.RunID,
		Source:        p.source,
		TransactionID: string(sum.TransactionID),
		BatchIndex:    audit.Index(result.Index),
		Records:       result.Size,
		StatusCode:    outcome.StatusCode,
		Outcome:       kind,
		Duration:      outcome.Duration,
	}

	switch {
	case outcome.Kind == client.OutcomeAccepted:
		event.Type = audit.EventBatchAccepted
		event.Message = "batch accepted"
		p.logger.Info("batch %d (%d records) accepted", result.Index, result.Size)
	case outcome.Rejected():
		event.Type = audit.EventBatchRejected
		event.Severity = audit.SeverityWarning
		event.Message = outcome.Detail()
		if len(outcome.Payload) > 0 {
			event.Details = map[string]any{"payload": string(outcome.Payload)}
			p.logger.Warn("batch %d (%d records) rejected: %s payload=%s", result.Index, result.Size, outcome, outcome.Payload)
		} else {
			p.logger.Warn("batch %d (%d records) rejected: %s", result.Index, result.Size, outcome)
		}
	default:
		event.Type = audit.EventBatchUnclassified
		event.Severity = audit.SeverityWarning
		event.Message = outcome.Detail()
		p.logger.Warn("batch %d (%d records) unclassified: %s", result.Index, result.Size, outcome)
	}
	if outcome.Err != nil {
		event.Error = outcome.Err.Error()
	}
	p.auditEvent(event)

	if p.onBatch != nil {
		p.onBatch(result)
	}
}

func (p *Pipeline) observe(outcome client.Outcome) {
	if outcome.Duration > 0 {
		p.metrics.HistogramObserve(metrics.RequestDuration.Name, outcome.Duration.Seconds(),
			"operation", string(outcome.Operation))
	}
}

func (p *Pipeline) finish(sum *Summary) {
	sum.FinishedAt = time.Now()
	p.metrics.GaugeSet(metrics.LastRunTimestamp.Name, float64(sum.FinishedAt.Unix()), "source", p.source)

	p.logger.Info("run %s finished: %s", sum.RunID, sum)
	p.auditEvent(audit.Event{
		Type:          audit.EventRunCompleted,
		RunID:         sum.RunID,
		Source:        p.source,
		TransactionID: string(sum.TransactionID),
		Records:       sum.Records,
		Message:       sum.String(),
		Duration:      sum.Duration(),
	})
}

func (p *Pipeline) fail(sum *Summary, err error) (*Summary, error) {
	sum.FinishedAt = time.Now()
	sum.Err = err

	p.logger.Error("run %s failed: %v", sum.RunID, err)
	p.auditEvent(audit.Event{
		Type:          audit.EventRunFailed,
		Severity:      audit.SeverityError,
		RunID:         sum.RunID,
		Source:        p.source,
		TransactionID: string(sum.TransactionID),
		Records:       sum.Records,
		Message:       "run stopped",
		Error:         err.Error(),
		Duration:      sum.Duration(),
	})
	return sum, err
}

func (p *Pipeline) auditEvent(event audit.Event) {
	if err := p.audit.Log(event); err != nil {
		p.logger.Warn("audit: %v", err)
	}
}
