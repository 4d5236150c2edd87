package pipeline

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/exploopio/devicecontext/pkg/audit"
	"github.com/exploopio/devicecontext/pkg/client"
	"github.com/exploopio/devicecontext/pkg/core"
	"github.com/exploopio/devicecontext/pkg/devicecontext"
	sdkerrors "github.com/exploopio/devicecontext/pkg/errors"
	"github.com/exploopio/devicecontext/pkg/metrics"
)

// mockAPI implements client.Transactor for testing
type mockAPI struct {
	mu sync.Mutex

	startKind client.OutcomeKind
	startErr  error

	// pushKinds is indexed by push call; missing entries are accepted.
	pushKinds []client.OutcomeKind
	pushErrAt int

	closeKind client.OutcomeKind

	starts int
	pushes [][]devicecontext.Record
	closes []devicecontext.TransactionID
}

func newMockAPI() *mockAPI {
	return &mockAPI{startKind: client.OutcomeStarted, closeKind: client.OutcomeClosed, pushErrAt: -1}
}

func (m *mockAPI) StartTransaction(ctx context.Context) (devicecontext.TransactionID, client.Outcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.starts++
	outcome := client.Outcome{Operation: client.OperationStart, Kind: m.startKind, StatusCode: 200}
	if m.startErr != nil {
		return "", client.Outcome{Operation: client.OperationStart}, m.startErr
	}
	if m.startKind != client.OutcomeStarted {
		outcome.StatusCode = 400
		outcome.Message = "unknown source"
		return "", outcome, nil
	}
	return "tx-1", outcome, nil
}

func (m *mockAPI) PushBatch(ctx context.Context, id devicecontext.TransactionID, batch []devicecontext.Record) (client.Outcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.pushes)
	if n == m.pushErrAt {
		return client.Outcome{Operation: client.OperationPush}, sdkerrors.E(sdkerrors.KindTransport, "client.push", "connection refused")
	}
	m.pushes = append(m.pushes, batch)

	kind := client.OutcomeAccepted
	if n < len(m.pushKinds) {
		kind = m.pushKinds[n]
	}
	outcome := client.Outcome{Operation: client.OperationPush, Kind: kind, StatusCode: 202}
	switch kind {
	case client.OutcomeValidationRejected:
		outcome.StatusCode, outcome.Message, outcome.Payload = 400, "bad ip", []byte(`{"transaction_id":"tx-1"}`)
	case client.OutcomeAuthOrRateLimit:
		outcome.StatusCode, outcome.Reason = 429, "Too Many Requests"
	case client.OutcomeUnclassified:
		outcome.StatusCode = 500
	}
	return outcome, nil
}

func (m *mockAPI) CloseTransaction(ctx context.Context, id devicecontext.TransactionID) (client.Outcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closes = append(m.closes, id)
	return client.Outcome{Operation: client.OperationClose, Kind: m.closeKind, StatusCode: 200}, nil
}

func createTestRecords(n int) []devicecontext.Record {
	records := make([]devicecontext.Record, n)
	for i := range records {
		records[i] = devicecontext.NewAssetRecord(
			fmt.Sprintf("mac-%d", i),
			fmt.Sprintf("10.0.0.%d", i),
			devicecontext.Asset{Hostname: devicecontext.String(fmt.Sprintf("host-%d", i))},
		)
	}
	return records
}

func newTestPipeline(t *testing.T, api client.Transactor, cfg *Config) *Pipeline {
	t.Helper()
	if cfg == nil {
		cfg = &Config{}
	}
	cfg.Client = api
	if cfg.Source == "" {
		cfg.Source = "puppet"
	}
	p, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return p
}

func TestNew(t *testing.T) {
	if _, err := New(nil); err == nil {
		t.Error("New(nil) should fail")
	}
	if _, err := New(&Config{}); sdkerrors.GetKind(err) != sdkerrors.KindInvalidInput {
		t.Errorf("New() without client error = %v", err)
	}
	for _, size := range []int{0, -1} {
		p, err := New(&Config{Client: newMockAPI(), BatchSize: size})
		if err != nil {
			t.Fatalf("New() error = %v", err)
		}
		if p.batchSize != 10 {
			t.Errorf("batchSize = %d, want 10", p.batchSize)
		}
	}

	p, err := New(&Config{Client: newMockAPI(), BatchSize: 3})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if p.batchSize != 3 {
		t.Errorf("batchSize = %d, want 3", p.batchSize)
	}
}

func TestRun_TwentyFiveRecords(t *testing.T) {
	api := newMockAPI()
	p := newTestPipeline(t, api, nil)
	records := createTestRecords(25)

	sum, err := p.Run(context.Background(), records)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if api.starts != 1 {
		t.Errorf("starts = %d, want 1", api.starts)
	}
	if len(api.pushes) != 3 {
		t.Fatalf("pushes = %d, want 3", len(api.pushes))
	}
	wantSizes := []int{10, 10, 5}
	for i, batch := range api.pushes {
		if len(batch) != wantSizes[i] {
			t.Errorf("batch %d size = %d, want %d", i, len(batch), wantSizes[i])
		}
	}

	var sent []devicecontext.Record
	for _, batch := range api.pushes {
		sent = append(sent, batch...)
	}
	for i := range records {
		if sent[i].MACAddress != records[i].MACAddress {
			t.Fatalf("record %d out of order: %s", i, sent[i].MACAddress)
		}
	}

	if len(api.closes) != 1 || api.closes[0] != "tx-1" {
		t.Errorf("closes = %v, want [tx-1]", api.closes)
	}

	if !sum.Started || !sum.Closed {
		t.Errorf("Started = %v, Closed = %v", sum.Started, sum.Closed)
	}
	if sum.TransactionID != "tx-1" {
		t.Errorf("TransactionID = %q", sum.TransactionID)
	}
	if len(sum.Batches) != 3 || sum.Batches[2].Index != 2 || sum.Batches[2].Size != 5 {
		t.Errorf("unexpected batches: %+v", sum.Batches)
	}
	if sum.Accepted() != 3 {
		t.Errorf("Accepted() = %d, want 3", sum.Accepted())
	}
	if sum.RunID == "" {
		t.Error("RunID should be set")
	}
}

func TestRun_RejectedBatchesDoNotAbort(t *testing.T) {
	api := newMockAPI()
	api.pushKinds = []client.OutcomeKind{
		client.OutcomeValidationRejected,
		client.OutcomeAuthOrRateLimit,
		client.OutcomeUnclassified,
		client.OutcomeAccepted,
	}

	var seen []int
	p := newTestPipeline(t, api, &Config{OnBatch: func(r BatchResult) { seen = append(seen, r.Index) }})

	sum, err := p.Run(context.Background(), createTestRecords(35))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if len(api.pushes) != 4 {
		t.Errorf("pushes = %d, want 4", len(api.pushes))
	}
	if len(api.closes) != 1 {
		t.Errorf("closes = %d, want 1", len(api.closes))
	}
	if sum.Rejected() != 2 || sum.Unclassified() != 1 || sum.Accepted() != 1 {
		t.Errorf("counts = %v", sum.Counts)
	}
	if sum.Batches[0].Outcome.Message != "bad ip" {
		t.Errorf("batch 0 message = %q", sum.Batches[0].Outcome.Message)
	}
	if len(seen) != 4 || seen[3] != 3 {
		t.Errorf("OnBatch indices = %v", seen)
	}
}

// warnLogger keeps Warn lines and drops everything else.
type warnLogger struct {
	mu    sync.Mutex
	warns []string
}

func (l *warnLogger) Debug(format string, args ...interface{}) {}
func (l *warnLogger) Info(format string, args ...interface{})  {}
func (l *warnLogger) Error(format string, args ...interface{}) {}

func (l *warnLogger) Warn(format string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.warns = append(l.warns, fmt.Sprintf(format, args...))
}

func TestRun_RejectedBatchLogsPayload(t *testing.T) {
	api := newMockAPI()
	api.pushKinds = []client.OutcomeKind{client.OutcomeValidationRejected}
	logger := &warnLogger{}

	p := newTestPipeline(t, api, &Config{Logger: logger})
	if _, err := p.Run(context.Background(), createTestRecords(3)); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if len(logger.warns) != 1 {
		t.Fatalf("warn lines = %q, want 1", logger.warns)
	}
	line := logger.warns[0]
	for _, want := range []string{"batch 0 (3 records) rejected", "bad ip", `payload={"transaction_id":"tx-1"}`} {
		if !strings.Contains(line, want) {
			t.Errorf("warn line %q should contain %q", line, want)
		}
	}
}

func TestNew_DefaultsToProcessLogger(t *testing.T) {
	prev := core.GetDefaultLogger()
	t.Cleanup(func() { core.SetDefaultLogger(prev) })

	logger := &warnLogger{}
	core.SetDefaultLogger(logger)

	api := newMockAPI()
	api.pushKinds = []client.OutcomeKind{client.OutcomeValidationRejected}
	if _, err := newTestPipeline(t, api, nil).Run(context.Background(), createTestRecords(2)); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(logger.warns) != 1 || !strings.Contains(logger.warns[0], "payload=") {
		t.Errorf("default logger warns = %q", logger.warns)
	}
}

func TestRun_EmptyInput(t *testing.T) {
	api := newMockAPI()
	sum, err := newTestPipeline(t, api, nil).Run(context.Background(), nil)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if api.starts != 1 {
		t.Errorf("starts = %d, want 1", api.starts)
	}
	if len(api.pushes) != 0 {
		t.Errorf("pushes = %d, want 0", len(api.pushes))
	}
	if len(api.closes) != 1 {
		t.Errorf("closes = %d, want 1", len(api.closes))
	}
	if !sum.Closed || len(sum.Batches) != 0 {
		t.Errorf("unexpected summary: %s", sum)
	}
}

func TestRun_FailedStartIsTerminal(t *testing.T) {
	api := newMockAPI()
	api.startKind = client.OutcomeValidationRejected

	sum, err := newTestPipeline(t, api, nil).Run(context.Background(), createTestRecords(5))
	if err != nil {
		t.Fatalf("Run() error = %v, want nil", err)
	}

	if len(api.pushes) != 0 || len(api.closes) != 0 {
		t.Errorf("pushes = %d, closes = %d, want none", len(api.pushes), len(api.closes))
	}
	if sum.Started {
		t.Error("Started should be false")
	}
	if sum.Close != nil {
		t.Error("Close should be nil")
	}
	if sum.Start.Message != "unknown source" {
		t.Errorf("Start.Message = %q", sum.Start.Message)
	}
}

func TestRun_StartTransportError(t *testing.T) {
	api := newMockAPI()
	api.startErr = sdkerrors.E(sdkerrors.KindTransport, "client.start", "connection refused")

	sum, err := newTestPipeline(t, api, nil).Run(context.Background(), createTestRecords(5))
	if !sdkerrors.IsTransportError(err) {
		t.Fatalf("Run() error = %v, want transport error", err)
	}
	if sum == nil || sum.Started || sum.Err == nil {
		t.Errorf("unexpected summary: %+v", sum)
	}
	if len(api.pushes) != 0 || len(api.closes) != 0 {
		t.Error("no push or close should follow a failed start")
	}
}

func TestRun_TransportErrorStopsRun(t *testing.T) {
	api := newMockAPI()
	api.pushErrAt = 1

	sum, err := newTestPipeline(t, api, nil).Run(context.Background(), createTestRecords(25))
	if !sdkerrors.IsTransportError(err) {
		t.Fatalf("Run() error = %v, want transport error", err)
	}
	if len(sum.Batches) != 1 {
		t.Errorf("batches = %d, want 1", len(sum.Batches))
	}
	if len(api.closes) != 0 {
		t.Error("close should not be called after a transport fault")
	}
}

func TestRun_CancelledBetweenBatches(t *testing.T) {
	api := newMockAPI()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p := newTestPipeline(t, api, &Config{OnBatch: func(BatchResult) { cancel() }})
	sum, err := p.Run(ctx, createTestRecords(25))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run() error = %v, want context.Canceled", err)
	}
	if len(api.pushes) != 1 || len(sum.Batches) != 1 {
		t.Errorf("pushes = %d, want 1", len(api.pushes))
	}
}

func TestRun_InvalidRecord(t *testing.T) {
	api := newMockAPI()
	records := createTestRecords(3)
	records[1] = devicecontext.Record{MACAddress: "broken"}

	_, err := newTestPipeline(t, api, nil).Run(context.Background(), records)
	m, ok := sdkerrors.IsMappingError(err)
	if !ok {
		t.Fatalf("Run() error = %v, want mapping error", err)
	}
	if m.Index != 1 || !errors.Is(err, devicecontext.ErrNoFlavor) {
		t.Errorf("unexpected mapping error: %v", m)
	}
	if api.starts != 0 {
		t.Error("no API call should be made for invalid records")
	}
}

type staticSource struct {
	records []devicecontext.Record
	err     error
}

func (s *staticSource) Name() string { return "rapid7" }

func (s *staticSource) Records(ctx context.Context) ([]devicecontext.Record, error) {
	return s.records, s.err
}

func TestRunSource(t *testing.T) {
	api := newMockAPI()
	collector := metrics.NewInMemoryCollector()

	p, err := New(&Config{Client: api, Metrics: collector})
	if err != nil {
		t.Fatal(err)
	}

	sum, err := p.RunSource(context.Background(), &staticSource{records: createTestRecords(12)})
	if err != nil {
		t.Fatalf("RunSource() error = %v", err)
	}
	if sum.Source != "rapid7" {
		t.Errorf("Source = %q, want rapid7", sum.Source)
	}
	if got := collector.GetCounter(metrics.RecordsNormalized.Name, "source", "rapid7"); got != 12 {
		t.Errorf("records normalized = %v, want 12", got)
	}
	if got := collector.GetCounter(metrics.BatchesTotal.Name, "source", "rapid7", "outcome", "accepted"); got != 2 {
		t.Errorf("batches accepted = %v, want 2", got)
	}
	if got := collector.GetHistogram(metrics.NormalizeDuration.Name, "source", "rapid7"); len(got) != 1 {
		t.Errorf("normalize duration observations = %d, want 1", len(got))
	}
}

func TestRunSource_MappingErrorAbortsBeforeAPI(t *testing.T) {
	api := newMockAPI()
	mapErr := sdkerrors.Mapping("rapid7", 4, "Vulnerability Severity Level", errors.New("invalid syntax"))

	_, err := newTestPipeline(t, api, nil).RunSource(context.Background(), &staticSource{err: mapErr})
	if !errors.Is(err, sdkerrors.ErrMapping) {
		t.Fatalf("RunSource() error = %v, want mapping error", err)
	}
	if api.starts != 0 {
		t.Error("start should not be called")
	}
}

func TestRun_Metrics(t *testing.T) {
	api := newMockAPI()
	api.pushKinds = []client.OutcomeKind{client.OutcomeAccepted, client.OutcomeValidationRejected}
	collector := metrics.NewInMemoryCollector()

	p := newTestPipeline(t, api, &Config{Metrics: collector})
	if _, err := p.Run(context.Background(), createTestRecords(15)); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name   string
		labels []string
		want   float64
	}{
		{metrics.TransactionsTotal.Name, []string{"source", "puppet", "operation", "start", "outcome", "started"}, 1},
		{metrics.TransactionsTotal.Name, []string{"source", "puppet", "operation", "close", "outcome", "closed"}, 1},
		{metrics.BatchesTotal.Name, []string{"source", "puppet", "outcome", "accepted"}, 1},
		{metrics.BatchesTotal.Name, []string{"source", "puppet", "outcome", "validation_rejected"}, 1},
		{metrics.RecordsPushed.Name, []string{"source", "puppet", "outcome", "accepted"}, 10},
		{metrics.RecordsPushed.Name, []string{"source", "puppet", "outcome", "validation_rejected"}, 5},
	}
	for _, tt := range tests {
		if got := collector.GetCounter(tt.name, tt.labels...); got != tt.want {
			t.Errorf("%s %v = %v, want %v", tt.name, tt.labels, got, tt.want)
		}
	}
	if collector.GetGauge(metrics.LastRunTimestamp.Name, "source", "puppet") == 0 {
		t.Error("last run timestamp should be set")
	}
}

func TestRun_AuditTrail(t *testing.T) {
	api := newMockAPI()
	api.pushKinds = []client.OutcomeKind{client.OutcomeAccepted, client.OutcomeValidationRejected}

	var buf bytes.Buffer
	p := newTestPipeline(t, api, &Config{Audit: audit.NewWriterLogger(&buf)})
	if _, err := p.Run(context.Background(), createTestRecords(15)); err != nil {
		t.Fatal(err)
	}

	var types []audit.EventType
	var rejected audit.Event
	scanner := bufio.NewScanner(&buf)
	for scanner.Scan() {
		var e audit.Event
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			t.Fatalf("decode audit line: %v", err)
		}
		types = append(types, e.Type)
		if e.Type == audit.EventBatchRejected {
			rejected = e
		}
	}

	want := []audit.EventType{
		audit.EventRunStarted,
		audit.EventTransactionStarted,
		audit.EventBatchAccepted,
		audit.EventBatchRejected,
		audit.EventTransactionClosed,
		audit.EventRunCompleted,
	}
	if len(types) != len(want) {
		t.Fatalf("events = %v, want %v", types, want)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Errorf("event %d = %s, want %s", i, types[i], want[i])
		}
	}

	if rejected.Message != "bad ip" || rejected.BatchIndex == nil || *rejected.BatchIndex != 1 {
		t.Errorf("unexpected rejected event: %+v", rejected)
	}
	if rejected.TransactionID != "tx-1" || rejected.Details["payload"] == nil {
		t.Errorf("rejected event should carry transaction id and payload: %+v", rejected)
	}
}

func TestRun_AgainstHTTPClient(t *testing.T) {
	var mu sync.Mutex
	var pushSizes []int
	closed := false

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Source        string            `json:"source"`
			TransactionID string            `json:"transaction_id"`
			Data          []json.RawMessage `json:"data"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode body: %v", err)
			return
		}

		mu.Lock()
		defer mu.Unlock()
		switch {
		case body.Source != "":
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`{"transaction_id":"tx-42"}`))
		case len(body.Data) == 0:
			closed = true
			w.WriteHeader(http.StatusOK)
		default:
			pushSizes = append(pushSizes, len(body.Data))
			if len(pushSizes) == 2 {
				w.WriteHeader(http.StatusBadRequest)
				_, _ = w.Write([]byte(`{"message":"bad ip"}`))
				return
			}
			w.WriteHeader(http.StatusAccepted)
		}
	}))
	defer server.Close()

	c := client.NewWithOptions(
		client.WithEndpoint(server.URL),
		client.WithSource("puppet"),
		client.WithCredentials("id", "key"),
	)
	p := newTestPipeline(t, c, nil)

	sum, err := p.Run(context.Background(), createTestRecords(25))
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if len(pushSizes) != 3 || pushSizes[0] != 10 || pushSizes[1] != 10 || pushSizes[2] != 5 {
		t.Errorf("push sizes = %v, want [10 10 5]", pushSizes)
	}
	if !closed || !sum.Closed {
		t.Error("close should be issued regardless of push outcomes")
	}
	if sum.TransactionID != "tx-42" {
		t.Errorf("TransactionID = %q", sum.TransactionID)
	}
	if sum.Batches[1].Outcome.Kind != client.OutcomeValidationRejected || sum.Batches[1].Outcome.Message != "bad ip" {
		t.Errorf("batch 1 outcome = %v", sum.Batches[1].Outcome)
	}
}

func TestSummary_String(t *testing.T) {
	sum := &Summary{
		Source:        "puppet",
		TransactionID: "tx-1",
		Records:       25,
		Started:       true,
		Closed:        true,
		Batches:       make([]BatchResult, 3),
		Counts:        map[client.OutcomeKind]int{client.OutcomeAccepted: 2, client.OutcomeValidationRejected: 1},
	}
	want := "source=puppet transaction=tx-1 records=25 batches=3 accepted=2 rejected=1 unclassified=0 closed"
	if got := sum.String(); got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}
