// Package flipt implements the evaluation handle against the Flipt REST API.
package flipt

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/zoobzio/clockz"

	"github.com/OrlandoBitencourt/flagsync/internal/domain"
	"github.com/OrlandoBitencourt/flagsync/internal/telemetry"
	"github.com/OrlandoBitencourt/flagsync/pkg/circuit"
)

// Options tunes the transport. The ClientConfig decides what to talk to;
// Options decide how.
type Options struct {
	HTTPClient      *http.Client
	Timeout         time.Duration
	MaxRetries      int
	RetryBackoff    time.Duration
	CacheMaxEntries int64
	CacheTTL        time.Duration
	Breaker         circuit.Config

	Clock     clockz.Clock
	Logger    *log.Entry
	Telemetry telemetry.Provider
}

func DefaultOptions() Options {
	return Options{
		Timeout:         10 * time.Second,
		MaxRetries:      2,
		RetryBackoff:    500 * time.Millisecond,
		CacheMaxEntries: 10_000,
		Breaker:         circuit.DefaultConfig(),
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.Timeout <= 0 {
		o.Timeout = def.Timeout
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = def.RetryBackoff
	}
	if o.Clock == nil {
		o.Clock = clockz.RealClock
	}
	if o.Logger == nil {
		o.Logger = log.NewEntry(log.StandardLogger())
	}
	if o.Telemetry == nil {
		o.Telemetry = telemetry.NewNoOp()
	}
	return o
}

// Client is a domain.Handle backed by a Flipt server.
type Client struct {
	cfg     domain.ClientConfig
	opts    Options
	baseURL string
	http    *http.Client
	breaker *circuit.Breaker
	cache   *evalCache
	log     *log.Entry

	mu      sync.RWMutex
	hash    string
	flags   []domain.Flag
	fetched bool

	closed atomic.Bool
}

var _ domain.Handle = (*Client)(nil)

// NewFactory adapts New to a domain.HandleFactory.
func NewFactory(opts Options) domain.HandleFactory {
	return func(ctx context.Context, cfg domain.ClientConfig) (domain.Handle, error) {
		return New(ctx, cfg, opts)
	}
}

// New validates cfg and performs a best-effort initial snapshot fetch. A
// failed fetch is logged and left for the first poll to resolve.
func New(ctx context.Context, cfg domain.ClientConfig, opts Options) (*Client, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	opts = opts.withDefaults()

	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: opts.Timeout}
	}

	cache, err := newEvalCache(opts.CacheMaxEntries, opts.CacheTTL)
	if err != nil {
		return nil, fmt.Errorf("create evaluation cache: %w", err)
	}

	logger := opts.Logger.WithFields(log.Fields{
		"environment": cfg.Environment,
		"namespace":   cfg.Namespace,
	})

	breakerCfg := opts.Breaker
	breakerCfg.Clock = opts.Clock
	breakerCfg.IsFailure = upstreamFailure
	tel := opts.Telemetry
	userHook := breakerCfg.OnStateChange
	breakerCfg.OnStateChange = func(from, to circuit.State) {
		logger.WithFields(log.Fields{"from": from.String(), "to": to.String()}).Warn("flipt circuit breaker changed state")
		tel.RecordCircuitState(context.Background(), to.String())
		if userHook != nil {
			userHook(from, to)
		}
	}

	c := &Client{
		cfg:     cfg,
		opts:    opts,
		baseURL: strings.TrimRight(cfg.URL, "/"),
		http:    httpClient,
		breaker: circuit.New(breakerCfg),
		cache:   cache,
		log:     logger,
	}

	if cfg.FetchMode == domain.FetchModeStreaming {
		logger.Info("streaming fetch mode requested; snapshots are still fetched on poll")
	}

	if _, err := c.fetchSnapshot(ctx, ""); err != nil {
		logger.WithError(err).Warn("initial snapshot fetch failed")
	}
	return c, nil
}

func (c *Client) SnapshotHash(ctx context.Context) (string, error) {
	if c.closed.Load() {
		return "", domain.ErrHandleClosed
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.fetched {
		return "", ErrNoSnapshot
	}
	return c.hash, nil
}

func (c *Client) Refresh(ctx context.Context, previousHash string) (bool, error) {
	if c.closed.Load() {
		return false, domain.ErrHandleClosed
	}
	ctx, span := c.opts.Telemetry.StartSpan(ctx, "flipt.refresh",
		telemetry.WithAttributes(telemetry.String("namespace", c.cfg.Namespace)))
	defer span.End()

	changed, err := c.fetchSnapshot(ctx, previousHash)
	if err != nil {
		span.RecordError(err)
		return false, err
	}
	span.SetAttributes(telemetry.Bool("changed", changed))
	return changed, nil
}

func (c *Client) ListFlags(ctx context.Context) ([]domain.Flag, error) {
	if c.closed.Load() {
		return nil, domain.ErrHandleClosed
	}

	c.mu.RLock()
	fetched := c.fetched
	c.mu.RUnlock()
	if !fetched {
		if _, err := c.fetchSnapshot(ctx, ""); err != nil {
			return nil, fmt.Errorf("list flags: %w", err)
		}
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]domain.Flag, len(c.flags))
	copy(out, c.flags)
	return out, nil
}

func (c *Client) snapshotPath() string {
	return fmt.Sprintf("/client/v2/environments/%s/namespaces/%s/snapshot",
		url.PathEscape(c.cfg.Environment), url.PathEscape(c.cfg.Namespace))
}

// fetchSnapshot performs a conditional GET and reports whether the
// resulting hash differs from previousHash.
func (c *Client) fetchSnapshot(ctx context.Context, previousHash string) (bool, error) {
	query := url.Values{}
	if c.cfg.Reference != "" {
		query.Set("reference", c.cfg.Reference)
	}
	headers := http.Header{}
	if previousHash != "" {
		headers.Set("If-None-Match", previousHash)
	}

	resp, err := c.do(ctx, http.MethodGet, c.snapshotPath(), query, nil, headers)
	if err != nil {
		return false, fmt.Errorf("fetch snapshot: %w", err)
	}
	if resp.status == http.StatusNotModified {
		return false, nil
	}

	var doc snapshotDocument
	if err := json.Unmarshal(resp.body, &doc); err != nil {
		return false, fmt.Errorf("decode snapshot: %w", err)
	}

	hash := resp.header.Get("ETag")
	if hash == "" {
		hash = doc.Digest
	}
	if hash == "" {
		hash = strconv.FormatUint(xxhash.Sum64(resp.body), 16)
	}

	flags := make([]domain.Flag, 0, len(doc.Flags))
	for _, f := range doc.Flags {
		flags = append(flags, f.toDomain())
	}

	c.mu.Lock()
	snapshotChanged := !c.fetched || c.hash != hash
	c.hash = hash
	c.flags = flags
	c.fetched = true
	c.mu.Unlock()

	if snapshotChanged {
		c.cache.clear()
		c.log.WithFields(log.Fields{"hash": hash, "flags": len(flags)}).Debug("snapshot updated")
	}
	return hash != previousHash, nil
}

func (c *Client) currentHash() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.hash
}

func (c *Client) wireRequest(req domain.EvaluationRequest) evaluationRequest {
	attrs := req.Context
	if attrs == nil {
		attrs = map[string]string{}
	}
	return evaluationRequest{
		RequestID:      uuid.NewString(),
		EnvironmentKey: c.cfg.Environment,
		NamespaceKey:   c.cfg.Namespace,
		FlagKey:        req.FlagKey,
		EntityID:       req.EntityID,
		Context:        attrs,
		Reference:      c.cfg.Reference,
	}
}

func (c *Client) EvaluateBoolean(ctx context.Context, req domain.EvaluationRequest) (*domain.BooleanEvaluationResponse, error) {
	if c.closed.Load() {
		return nil, domain.ErrHandleClosed
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	key := fingerprint("boolean", c.currentHash(), req)
	if cached, ok := c.cache.get(key); ok {
		c.opts.Telemetry.RecordCacheHit(ctx, "boolean")
		result := *cached.(*domain.BooleanEvaluationResponse)
		return &result, nil
	}
	c.opts.Telemetry.RecordCacheMiss(ctx, "boolean")

	ctx, span := c.opts.Telemetry.StartSpan(ctx, "flipt.evaluate",
		telemetry.WithAttributes(telemetry.String("flag.key", req.FlagKey), telemetry.String("kind", "boolean")))
	defer span.End()

	var wire booleanResponse
	if err := c.doJSON(ctx, "/evaluate/v1/boolean", c.wireRequest(req), &wire); err != nil {
		span.RecordError(err)
		return nil, domain.NewEvaluationError(req.FlagKey, "boolean evaluation failed", err)
	}

	result := wire.toDomain()
	stored := *result
	c.cache.set(key, &stored)
	return result, nil
}

func (c *Client) EvaluateVariant(ctx context.Context, req domain.EvaluationRequest) (*domain.VariantEvaluationResponse, error) {
	if c.closed.Load() {
		return nil, domain.ErrHandleClosed
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	key := fingerprint("variant", c.currentHash(), req)
	if cached, ok := c.cache.get(key); ok {
		c.opts.Telemetry.RecordCacheHit(ctx, "variant")
		result := *cached.(*domain.VariantEvaluationResponse)
		result.SegmentKeys = append([]string(nil), result.SegmentKeys...)
		return &result, nil
	}
	c.opts.Telemetry.RecordCacheMiss(ctx, "variant")

	ctx, span := c.opts.Telemetry.StartSpan(ctx, "flipt.evaluate",
		telemetry.WithAttributes(telemetry.String("flag.key", req.FlagKey), telemetry.String("kind", "variant")))
	defer span.End()

	var wire variantResponse
	if err := c.doJSON(ctx, "/evaluate/v1/variant", c.wireRequest(req), &wire); err != nil {
		span.RecordError(err)
		return nil, domain.NewEvaluationError(req.FlagKey, "variant evaluation failed", err)
	}

	result := wire.toDomain()
	stored := *result
	stored.SegmentKeys = append([]string(nil), result.SegmentKeys...)
	c.cache.set(key, &stored)
	return result, nil
}

// EvaluateBatch returns exactly one entry per request, in order. Invalid
// requests are answered locally with error entries and are not sent.
func (c *Client) EvaluateBatch(ctx context.Context, reqs []domain.EvaluationRequest) (*domain.BatchEvaluationResponse, error) {
	if c.closed.Load() {
		return nil, domain.ErrHandleClosed
	}

	out := &domain.BatchEvaluationResponse{Responses: make([]domain.EvaluationResponse, len(reqs))}
	wire := batchEvaluationRequest{RequestID: uuid.NewString(), Reference: c.cfg.Reference}
	positions := make([]int, 0, len(reqs))
	for i, req := range reqs {
		if err := req.Validate(); err != nil {
			out.Responses[i] = errorEntry(req.FlagKey, c.cfg.Namespace, err.Error())
			continue
		}
		wireReq := c.wireRequest(req)
		wireReq.RequestID = ""
		wire.Requests = append(wire.Requests, wireReq)
		positions = append(positions, i)
	}
	if len(positions) == 0 {
		return out, nil
	}

	ctx, span := c.opts.Telemetry.StartSpan(ctx, "flipt.evaluate",
		telemetry.WithAttributes(telemetry.String("kind", "batch"), telemetry.Int("requests", len(reqs))))
	defer span.End()

	var resp batchEvaluationResponse
	if err := c.doJSON(ctx, "/evaluate/v1/batch", wire, &resp); err != nil {
		span.RecordError(err)
		return nil, domain.NewEvaluationError("", "batch evaluation failed", err)
	}

	out.RequestDurationMillis = resp.RequestDurationMillis
	for j, pos := range positions {
		if j >= len(resp.Responses) {
			out.Responses[pos] = errorEntry(reqs[pos].FlagKey, c.cfg.Namespace, string(domain.ReasonUnknown))
			continue
		}
		out.Responses[pos] = resp.Responses[j].toDomain(reqs[pos], c.cfg.Namespace)
	}
	return out, nil
}

// CacheStats exposes evaluation cache counters.
func (c *Client) CacheStats() CacheStats {
	return c.cache.stats()
}

// BreakerStats exposes circuit breaker counters.
func (c *Client) BreakerStats() circuit.Stats {
	return c.breaker.Stats()
}

// Close releases the cache and idle connections. Repeated calls are no-ops.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.cache.close()
	c.http.CloseIdleConnections()
	c.log.Debug("flipt client closed")
	return nil
}

type response struct {
	status int
	header http.Header
	body   []byte
}

func (c *Client) doJSON(ctx context.Context, path string, body, result interface{}) error {
	resp, err := c.do(ctx, http.MethodPost, path, nil, body, nil)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(resp.body, result); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// do performs a request through the circuit breaker, retrying transport
// failures and 5xx responses with linear backoff.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body interface{}, headers http.Header) (*response, error) {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
	}

	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var resp *response
	err := c.breaker.Execute(ctx, func(ctx context.Context) error {
		var lastErr error
		for attempt := 0; attempt <= c.opts.MaxRetries; attempt++ {
			if attempt > 0 {
				if err := c.sleep(ctx, time.Duration(attempt)*c.opts.RetryBackoff); err != nil {
					return err
				}
			}

			r, err := c.doOnce(ctx, method, target, payload, headers)
			if err == nil {
				resp = r
				return nil
			}
			lastErr = err
			if !retryable(err) {
				return err
			}
			c.log.WithError(err).WithField("attempt", attempt+1).Debug("flipt request failed")
		}
		return lastErr
	})
	return resp, err
}

func (c *Client) sleep(ctx context.Context, d time.Duration) error {
	timer := c.opts.Clock.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) doOnce(ctx context.Context, method, target string, payload []byte, headers http.Header) (*response, error) {
	var bodyReader io.Reader
	if payload != nil {
		bodyReader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if auth, ok := c.cfg.Authentication.Header(); ok {
		req.Header.Set("Authorization", auth)
	}
	for k, vs := range headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	httpResp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, connectionError(err)
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, connectionError(err)
	}

	if httpResp.StatusCode == http.StatusNotModified {
		return &response{status: httpResp.StatusCode, header: httpResp.Header}, nil
	}
	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		return nil, &APIError{
			StatusCode: httpResp.StatusCode,
			Kind:       kindForStatus(httpResp.StatusCode),
			Message:    strings.TrimSpace(string(data)),
		}
	}
	return &response{status: httpResp.StatusCode, header: httpResp.Header, body: data}, nil
}
