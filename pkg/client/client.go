// Package client provides the custom device-context ingestion API client.
//
// Every ingestion run is one transaction: StartTransaction obtains an id,
// PushBatch submits records against it and CloseTransaction ends it. Each
// call is a single POST with basic auth; nothing is retried. HTTP statuses
// are classified into an Outcome, so a rejected call is a value, not an
// error. Errors are reserved for transport faults.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/exploopio/devicecontext/pkg/compress"
	"github.com/exploopio/devicecontext/pkg/core"
	"github.com/exploopio/devicecontext/pkg/devicecontext"
	sdkerrors "github.com/exploopio/devicecontext/pkg/errors"
)

// DefaultEndpoint is the production custom device-context endpoint.
const DefaultEndpoint = "https://api.wootuno.wootcloud.com/v2/integrations/custom_devicecontext"

const defaultUserAgent = "devicecontext-sdk/1.0"

// Client is the ingestion API client.
type Client struct {
	endpoint    string
	source      string
	clientID    string
	secretKey   string
	userAgent   string
	httpClient  *http.Client
	callTimeout time.Duration
	limiter     *rate.Limiter
	compressor  *compress.Compressor
	logger      core.Logger
}

// Config holds client configuration.
type Config struct {
	Endpoint  string `yaml:"endpoint" json:"endpoint"`
	Source    string `yaml:"source" json:"source"`
	ClientID  string `yaml:"client_id" json:"client_id"`
	SecretKey string `yaml:"secret_key" json:"secret_key"`

	// CallTimeout bounds each API call. Zero means no client-imposed limit.
	CallTimeout time.Duration `yaml:"call_timeout" json:"call_timeout"`

	// RequestsPerSecond spaces calls out on the client side. Zero disables pacing.
	RequestsPerSecond float64 `yaml:"requests_per_second" json:"requests_per_second"`

	// Compression is "none" (default), "zstd" or "gzip".
	Compression string `yaml:"compression" json:"compression"`

	UserAgent string `yaml:"user_agent" json:"user_agent"`

	HTTPClient *http.Client `yaml:"-" json:"-"`
	Logger     core.Logger  `yaml:"-" json:"-"`
}

// DefaultConfig returns default client config.
func DefaultConfig() *Config {
	return &Config{
		Endpoint:    DefaultEndpoint,
		CallTimeout: 30 * time.Second,
		Compression: string(compress.AlgorithmNone),
	}
}

// Validate checks that the configuration can build a client.
func (c *Config) Validate() error {
	if c.Endpoint == "" {
		return sdkerrors.E(sdkerrors.KindInvalidInput, "client.Config", "endpoint is required")
	}
	if c.Source == "" {
		return sdkerrors.E(sdkerrors.KindInvalidInput, "client.Config", "source label is required")
	}
	if c.ClientID == "" || c.SecretKey == "" {
		return sdkerrors.ErrMissingCredentials
	}
	if c.CallTimeout < 0 {
		return sdkerrors.E(sdkerrors.KindInvalidInput, "client.Config", "call timeout must not be negative")
	}
	if _, err := compress.ParseAlgorithm(c.Compression); err != nil {
		return sdkerrors.E(sdkerrors.KindInvalidInput, "client.Config", err)
	}
	return nil
}

// New creates a client from cfg.
func New(cfg *Config) (*Client, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	opts := []Option{
		WithEndpoint(cfg.Endpoint),
		WithSource(cfg.Source),
		WithCredentials(cfg.ClientID, cfg.SecretKey),
		WithCallTimeout(cfg.CallTimeout),
	}
	if cfg.RequestsPerSecond > 0 {
		opts = append(opts, WithRateLimit(cfg.RequestsPerSecond))
	}
	algo, _ := compress.ParseAlgorithm(cfg.Compression)
	if algo != compress.AlgorithmNone {
		opts = append(opts, WithCompression(algo))
	}
	if cfg.UserAgent != "" {
		opts = append(opts, WithUserAgent(cfg.UserAgent))
	}
	if cfg.HTTPClient != nil {
		opts = append(opts, WithHTTPClient(cfg.HTTPClient))
	}
	if cfg.Logger != nil {
		opts = append(opts, WithLogger(cfg.Logger))
	}

	return NewWithOptions(opts...), nil
}

// =============================================================================
// Functional Options Pattern
// =============================================================================

// Option is a function that configures the client.
type Option func(*Client)

// NewWithOptions creates a new client using functional options.
// Example:
//
//	c := client.NewWithOptions(
//	    client.WithSource("puppet"),
//	    client.WithCredentials(clientID, secretKey),
//	    client.WithCallTimeout(30 * time.Second),
//	)
func NewWithOptions(opts ...Option) *Client {
	c := &Client{
		endpoint:   DefaultEndpoint,
		userAgent:  defaultUserAgent,
		httpClient: &http.Client{},
		logger:     core.GetDefaultLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// WithEndpoint sets the ingestion endpoint URL.
func WithEndpoint(url string) Option {
	return func(c *Client) {
		c.endpoint = url
	}
}

// WithSource sets the integration label sent on start.
func WithSource(source string) Option {
	return func(c *Client) {
		c.source = source
	}
}

// WithCredentials sets the basic-auth client id and secret key.
func WithCredentials(clientID, secretKey string) Option {
	return func(c *Client) {
		c.clientID = clientID
		c.secretKey = secretKey
	}
}

// WithCallTimeout bounds every API call.
func WithCallTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.callTimeout = d
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithRateLimit spaces calls to at most rps per second.
func WithRateLimit(rps float64) Option {
	return func(c *Client) {
		c.limiter = rate.NewLimiter(rate.Limit(rps), 1)
	}
}

// WithCompression compresses request bodies with the given algorithm.
func WithCompression(algo compress.Algorithm) Option {
	return func(c *Client) {
		c.compressor = compress.NewCompressor(algo, compress.LevelDefault)
	}
}

// WithUserAgent overrides the User-Agent header.
func WithUserAgent(ua string) Option {
	return func(c *Client) {
		c.userAgent = ua
	}
}

// WithLogger sets the logger requests are reported through.
func WithLogger(l core.Logger) Option {
	return func(c *Client) {
		if l == nil {
			l = &core.NopLogger{}
		}
		c.logger = l
	}
}

// Source returns the integration label.
func (c *Client) Source() string {
	return c.source
}

// As returns a copy of the client that authenticates with other credentials.
func (c *Client) As(clientID, secretKey string) *Client {
	cp := *c
	cp.clientID = clientID
	cp.secretKey = secretKey
	return &cp
}

// =============================================================================
// Wire payloads
// =============================================================================

type startRequest struct {
	Source string `json:"source"`
}

type batchRequest struct {
	TransactionID devicecontext.TransactionID `json:"transaction_id"`
	Data          []devicecontext.Record      `json:"data"`
}

type errorResponse struct {
	Message string `json:"message"`
}

type startResponse struct {
	TransactionID json.RawMessage `json:"transaction_id"`
}

// =============================================================================
// Operations
// =============================================================================

// StartTransaction opens a transaction for the client's source. The id is
// only non-empty when the outcome is OutcomeStarted.
func (c *Client) StartTransaction(ctx context.Context) (devicecontext.TransactionID, Outcome, error) {
	const op = "client.StartTransaction"

	resp, outcome, err := c.call(ctx, OperationStart, startRequest{Source: c.source})
	if err != nil || resp == nil {
		return "", outcome, err
	}

	switch outcome.Kind {
	case OutcomeStarted:
		var body startResponse
		if err := json.Unmarshal(resp.body, &body); err != nil {
			return "", outcome, sdkerrors.E(sdkerrors.KindTransport, op, "decode start response", err)
		}
		id := transactionID(body.TransactionID)
		if id == "" {
			outcome.Kind = OutcomeUnclassified
			outcome.Message = "response has no transaction_id"
			return "", outcome, nil
		}
		return id, outcome, nil
	case OutcomeValidationRejected:
		if err := decodeMessage(resp.body, &outcome); err != nil {
			return "", outcome, sdkerrors.E(sdkerrors.KindTransport, op, "decode error response", err)
		}
	}

	return "", outcome, nil
}

// PushBatch submits one batch of records against id.
func (c *Client) PushBatch(ctx context.Context, id devicecontext.TransactionID, batch []devicecontext.Record) (Outcome, error) {
	const op = "client.PushBatch"

	if batch == nil {
		batch = []devicecontext.Record{}
	}

	resp, outcome, err := c.call(ctx, OperationPush, batchRequest{TransactionID: id, Data: batch})
	if err != nil || resp == nil {
		return outcome, err
	}

	if outcome.Kind == OutcomeValidationRejected {
		outcome.Payload = resp.payload
		if err := decodeMessage(resp.body, &outcome); err != nil {
			return outcome, sdkerrors.E(sdkerrors.KindTransport, op, "decode error response", err)
		}
	}

	return outcome, nil
}

// CloseTransaction ends the transaction by pushing an empty batch.
func (c *Client) CloseTransaction(ctx context.Context, id devicecontext.TransactionID) (Outcome, error) {
	const op = "client.CloseTransaction"

	resp, outcome, err := c.call(ctx, OperationClose, batchRequest{TransactionID: id, Data: []devicecontext.Record{}})
	if err != nil || resp == nil {
		return outcome, err
	}

	if outcome.Kind == OutcomeValidationRejected {
		if err := decodeMessage(resp.body, &outcome); err != nil {
			return outcome, sdkerrors.E(sdkerrors.KindTransport, op, "decode error response", err)
		}
	}

	return outcome, nil
}

// =============================================================================
// Transport
// =============================================================================

type response struct {
	payload []byte
	body    []byte
}

// call performs one POST and classifies its status. A timed-out call returns
// a nil response with an unclassified outcome and no error.
func (c *Client) call(ctx context.Context, op Operation, payload any) (*response, Outcome, error) {
	opName := "client." + string(op)
	outcome := Outcome{Operation: op, RequestID: uuid.NewString()}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, outcome, sdkerrors.E(sdkerrors.KindInvalidInput, opName, "marshal payload", err)
	}

	if c.callTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.callTimeout)
		defer cancel()
	}

	start := time.Now()

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return c.transportFault(ctx, opName, outcome, start, "rate limiter", err)
		}
	}

	reqBody, encoding, err := c.compressor.EncodeBody(body)
	if err != nil {
		return nil, outcome, sdkerrors.E(sdkerrors.KindInvalidInput, opName, "compress payload", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(reqBody))
	if err != nil {
		return nil, outcome, sdkerrors.E(sdkerrors.KindInvalidInput, opName, "create request", err)
	}

	req.SetBasicAuth(c.clientID, c.secretKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("X-Request-ID", outcome.RequestID)
	if encoding != "" {
		req.Header.Set("Content-Encoding", encoding)
	}

	c.logger.Debug("%s request %s: %d bytes to %s", op, outcome.RequestID, len(reqBody), c.endpoint)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return c.transportFault(ctx, opName, outcome, start, "http request", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return c.transportFault(ctx, opName, outcome, start, "read response", err)
	}

	outcome.StatusCode = resp.StatusCode
	outcome.Reason = reasonPhrase(resp)
	outcome.Kind = Classify(op, resp.StatusCode)
	outcome.Duration = time.Since(start)

	c.logger.Debug("%s response %s: %d in %v", op, outcome.RequestID, resp.StatusCode, outcome.Duration)

	return &response{payload: body, body: data}, outcome, nil
}

// transportFault turns a failed round trip into either an unclassified
// timeout outcome or a KindTransport error.
func (c *Client) transportFault(ctx context.Context, opName string, outcome Outcome, start time.Time, msg string, err error) (*response, Outcome, error) {
	outcome.Duration = time.Since(start)
	if isTimeout(ctx, err) {
		outcome.Kind = OutcomeUnclassified
		outcome.Err = sdkerrors.E(sdkerrors.KindTimeout, opName, msg, err)
		outcome.Message = "call timed out"
		return nil, outcome, nil
	}
	return nil, outcome, sdkerrors.E(sdkerrors.KindTransport, opName, msg, err)
}

func isTimeout(ctx context.Context, err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// reasonPhrase returns the server's reason phrase from the status line.
func reasonPhrase(resp *http.Response) string {
	prefix := strconv.Itoa(resp.StatusCode) + " "
	if reason := strings.TrimPrefix(resp.Status, prefix); reason != resp.Status && reason != "" {
		return reason
	}
	return http.StatusText(resp.StatusCode)
}

func decodeMessage(body []byte, outcome *Outcome) error {
	var e errorResponse
	if err := json.Unmarshal(body, &e); err != nil {
		return fmt.Errorf("%d response: %w", outcome.StatusCode, err)
	}
	outcome.Message = e.Message
	return nil
}

// transactionID accepts a JSON string or number as the opaque id.
func transactionID(raw json.RawMessage) devicecontext.TransactionID {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return devicecontext.TransactionID(s)
	}
	return devicecontext.TransactionID(strings.TrimSpace(string(raw)))
}
