package milestone

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vinayprograms/orchestrator/alerts"
	orcherr "github.com/vinayprograms/orchestrator/errors"
	"github.com/vinayprograms/orchestrator/logging"
	"github.com/vinayprograms/orchestrator/signer"
	"github.com/vinayprograms/orchestrator/state"
	"github.com/vinayprograms/orchestrator/telemetry"
)

// Wire headers.
const (
	HeaderSignature      = "X-Signature"
	HeaderTimestamp      = "X-Timestamp"
	HeaderIdempotencyKey = "X-Idempotency-Key"
)

// Response statuses on the wire.
const (
	StatusAccepted  = "accepted"
	StatusDuplicate = "duplicate"
	StatusRejected  = "rejected"
)

const maxResponseBody = 64 << 10

// Common errors.
var (
	ErrNotFound      = errors.New("milestone record not found")
	ErrNotDeadLetter = errors.New("milestone record is not dead-lettered")
)

// Envelope is the signed request body.
type Envelope struct {
	IdempotencyKey string               `json:"idempotencyKey"`
	SentAtUTC      string               `json:"sentAtUtc"`
	Event          state.MilestoneEvent `json:"event"`
}

// Response is the ingest endpoint's answer.
type Response struct {
	OK          bool   `json:"ok"`
	Status      string `json:"status"`
	MilestoneID string `json:"milestoneId,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

// Config configures delivery.
type Config struct {
	// IngestURL is the endpoint envelopes are POSTed to.
	IngestURL string `toml:"ingest_url"`

	// Secret is the HMAC signing secret. It comes from credentials, never
	// from the config file.
	Secret string `toml:"-"`

	// RequestTimeout bounds one POST.
	RequestTimeout time.Duration `toml:"request_timeout"`

	// PollInterval is how often Run retries non-terminal records.
	PollInterval time.Duration `toml:"poll_interval"`

	// MaxAttempts is the transient-failure budget before dead-letter.
	MaxAttempts int `toml:"max_attempts"`

	// Source is stamped on events that do not name one.
	Source string `toml:"source"`
}

// DefaultConfig returns the default delivery configuration.
func DefaultConfig() Config {
	return Config{
		RequestTimeout: 10 * time.Second,
		PollInterval:   5 * time.Minute,
		MaxAttempts:    3,
		Source:         "orchestrator",
	}
}

// Pipeline owns milestone delivery.
type Pipeline struct {
	cfg     Config
	store   *state.Store
	client  *http.Client
	alerter alerts.Notifier
	logger  *logging.Logger
	tracer  *telemetry.Tracer
	idGen   func() string
	nowFn   func() time.Time

	intents chan struct{}
	passMu  sync.Mutex
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithHTTPClient sets the client used for POSTs.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Pipeline) {
		p.client = c
	}
}

// WithAlerter sets where dead-letter alerts go.
func WithAlerter(n alerts.Notifier) Option {
	return func(p *Pipeline) {
		p.alerter = n
	}
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(p *Pipeline) {
		p.logger = l
	}
}

// WithTracer sets the tracer used for delivery spans.
func WithTracer(t *telemetry.Tracer) Option {
	return func(p *Pipeline) {
		p.tracer = t
	}
}

// WithIDGenerator sets the idempotency key generator.
func WithIDGenerator(gen func() string) Option {
	return func(p *Pipeline) {
		p.idGen = gen
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) {
		p.nowFn = now
	}
}

// New creates a pipeline. Zero config fields take their defaults.
func New(store *state.Store, cfg Config, opts ...Option) *Pipeline {
	def := DefaultConfig()
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.Source == "" {
		cfg.Source = def.Source
	}

	p := &Pipeline{
		cfg:     cfg,
		store:   store,
		client:  &http.Client{},
		logger:  logging.Nop(),
		tracer:  telemetry.GetTracer(),
		idGen:   uuid.NewString,
		nowFn:   time.Now,
		intents: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.WithComponent("milestone")
	return p
}

// Configured reports whether both the endpoint and the secret are set.
func (p *Pipeline) Configured() bool {
	return p.cfg.IngestURL != "" && p.cfg.Secret != ""
}

// Validate checks the fields an event must carry.
func Validate(ev state.MilestoneEvent) error {
	var missing []string
	if strings.TrimSpace(ev.MilestoneID) == "" {
		missing = append(missing, "milestoneId")
	}
	if strings.TrimSpace(ev.Scope) == "" {
		missing = append(missing, "scope")
	}
	if strings.TrimSpace(ev.Claim) == "" {
		missing = append(missing, "claim")
	}
	if len(missing) > 0 {
		return orcherr.InvalidInput("milestone event missing " + strings.Join(missing, ", "))
	}
	return nil
}

// Emit records ev for delivery and returns its idempotency key. Invalid
// events are dropped without a record and ok is false.
func (p *Pipeline) Emit(_ context.Context, ev state.MilestoneEvent) (key string, ok bool) {
	if err := Validate(ev); err != nil {
		p.logger.Debug("dropping invalid milestone", map[string]interface{}{"error": err.Error()})
		return "", false
	}

	now := p.nowFn().UTC()
	if ev.TimestampUTC == "" {
		ev.TimestampUTC = now.Format(time.RFC3339)
	}
	if ev.Source == "" {
		ev.Source = p.cfg.Source
	}
	if ev.Evidence == nil {
		ev.Evidence = []string{}
	}

	key = p.idGen()
	p.store.Update(func(st *state.OrchestratorState) error {
		st.Milestones = append(st.Milestones, &state.MilestoneDeliveryRecord{
			IdempotencyKey: key,
			MilestoneID:    ev.MilestoneID,
			SentAtUTC:      now.Format(time.RFC3339Nano),
			Event:          ev,
			Status:         state.DeliveryPending,
		})
		return nil
	})

	if !p.Configured() {
		p.logger.Warn("milestone delivery not configured, record left pending", map[string]interface{}{
			"idempotency_key": key,
			"milestone_id":    ev.MilestoneID,
		})
		return key, true
	}
	p.Trigger()
	return key, true
}

// Trigger asks the delivery worker for a pass without blocking. Requests
// made while one is already queued collapse into it.
func (p *Pipeline) Trigger() {
	select {
	case p.intents <- struct{}{}:
	default:
	}
}

// Run is the delivery worker. It makes one pass at start, then one per
// trigger and per poll tick, until ctx is cancelled.
func (p *Pipeline) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	p.DeliverPending(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-p.intents:
			p.DeliverPending(ctx)
		case <-ticker.C:
			p.DeliverPending(ctx)
		}
	}
}

// DeliverPending makes one delivery attempt for every pending or retrying
// record and returns how many were attempted. Passes are serialized.
func (p *Pipeline) DeliverPending(ctx context.Context) int {
	if !p.Configured() {
		return 0
	}
	p.passMu.Lock()
	defer p.passMu.Unlock()

	var batch []state.MilestoneDeliveryRecord
	p.store.View(func(st *state.OrchestratorState) {
		for _, r := range st.Milestones {
			if !r.Status.IsTerminal() {
				batch = append(batch, *r)
			}
		}
	})

	for _, rec := range batch {
		if ctx.Err() != nil {
			break
		}
		p.deliver(ctx, rec)
	}
	return len(batch)
}

// outcome is the classification of one POST.
type outcome struct {
	status     state.DeliveryStatus // delivered, duplicate, rejected; empty = transient
	statusCode int
	err        error

	// aborted is set when the caller's context was cancelled mid-request.
	// The POST says nothing about the endpoint, so it is not an attempt.
	aborted bool
}

func (p *Pipeline) deliver(ctx context.Context, rec state.MilestoneDeliveryRecord) {
	ctx, span := p.tracer.StartDeliverySpan(ctx, rec.IdempotencyKey, rec.MilestoneID)

	out := p.post(ctx, Envelope{
		IdempotencyKey: rec.IdempotencyKey,
		SentAtUTC:      rec.SentAtUTC,
		Event:          rec.Event,
	})

	if out.aborted {
		p.tracer.EndDeliverySpan(span, telemetry.DeliverySpanOptions{
			Outcome:  "aborted",
			Attempts: rec.Attempts,
		}, out.err)
		p.logger.Info("delivery aborted, record left for the next pass", map[string]interface{}{
			"key":      rec.IdempotencyKey,
			"attempts": rec.Attempts,
		})
		return
	}

	now := p.nowFn().UTC()
	var final state.MilestoneDeliveryRecord
	p.store.Update(func(st *state.OrchestratorState) error {
		r := st.Milestone(rec.IdempotencyKey)
		if r == nil || r.Status.IsTerminal() {
			return nil
		}
		r.Attempts++
		r.LastAttemptAt = &now

		switch out.status {
		case state.DeliveryDelivered, state.DeliveryDuplicate:
			r.Status = out.status
			r.LastError = ""
			st.Counters.MilestonesDelivered++
		case state.DeliveryRejected:
			r.Status = state.DeliveryRejected
			r.LastError = out.err.Error()
		default:
			r.LastError = out.err.Error()
			if r.Attempts >= p.cfg.MaxAttempts {
				r.Status = state.DeliveryDeadLetter
				st.Counters.MilestonesDeadLettered++
			} else {
				r.Status = state.DeliveryRetrying
			}
		}
		final = *r
		return nil
	})

	p.tracer.EndDeliverySpan(span, telemetry.DeliverySpanOptions{
		StatusCode: out.statusCode,
		Outcome:    string(final.Status),
		Attempts:   final.Attempts,
	}, out.err)
	if final.IdempotencyKey == "" {
		return
	}
	p.logger.DeliveryOutcome(final.IdempotencyKey, final.MilestoneID, string(final.Status), final.Attempts, out.err)

	if final.Status == state.DeliveryDeadLetter && p.alerter != nil {
		p.alerter.Notify(ctx, alerts.Alert{
			Kind:    alerts.KindMilestoneDeadLetter,
			Subject: final.MilestoneID,
			ID:      final.IdempotencyKey,
			Count:   final.Attempts,
			Error:   final.LastError,
			At:      now,
		})
	}
}

// post signs and sends one envelope and classifies the answer. It never
// touches state.
func (p *Pipeline) post(ctx context.Context, env Envelope) outcome {
	body, err := signer.CanonicalJSON(env)
	if err != nil {
		return outcome{status: state.DeliveryRejected, err: orcherr.Wrap(err, "canonicalize envelope")}
	}
	sig := signer.SignBytes(body, p.cfg.Secret)

	parent := ctx
	ctx, cancel := context.WithTimeout(parent, p.cfg.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.IngestURL, bytes.NewReader(body))
	if err != nil {
		return outcome{err: orcherr.WrapWithCode(err, orcherr.ErrCodeNetworkErr, "build request")}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderSignature, sig)
	req.Header.Set(HeaderTimestamp, p.nowFn().UTC().Format(time.RFC3339))
	req.Header.Set(HeaderIdempotencyKey, env.IdempotencyKey)

	resp, err := p.client.Do(req)
	if err != nil {
		if parent.Err() != nil {
			return outcome{aborted: true, err: orcherr.WrapWithCode(err, orcherr.ErrCodeCanceled, "ingest request aborted")}
		}
		if ctx.Err() == context.DeadlineExceeded {
			return outcome{err: orcherr.WrapWithCode(err, orcherr.ErrCodeTimeout, "ingest request timed out")}
		}
		return outcome{err: orcherr.WrapWithCode(err, orcherr.ErrCodeNetworkErr, "ingest request failed")}
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))

	var r Response
	_ = json.Unmarshal(raw, &r)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		switch r.Status {
		case StatusAccepted:
			return outcome{status: state.DeliveryDelivered, statusCode: resp.StatusCode}
		case StatusDuplicate:
			return outcome{status: state.DeliveryDuplicate, statusCode: resp.StatusCode}
		}
		return outcome{statusCode: resp.StatusCode, err: orcherr.New(orcherr.ErrCodeUnavailable,
			fmt.Sprintf("unexpected ingest response status %q", r.Status))}
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		reason := r.Reason
		if reason == "" {
			reason = strings.TrimSpace(string(raw))
		}
		return outcome{status: state.DeliveryRejected, statusCode: resp.StatusCode, err: orcherr.New(orcherr.ErrCodeRejected,
			fmt.Sprintf("ingest rejected with %d: %s", resp.StatusCode, reason))}
	default:
		return outcome{statusCode: resp.StatusCode, err: orcherr.New(orcherr.ErrCodeUnavailable,
			fmt.Sprintf("ingest returned %d", resp.StatusCode))}
	}
}

// List returns copies of records with the given status, or all when
// status is empty.
func (p *Pipeline) List(status state.DeliveryStatus) []state.MilestoneDeliveryRecord {
	var out []state.MilestoneDeliveryRecord
	p.store.View(func(st *state.OrchestratorState) {
		for _, r := range st.Milestones {
			if status == "" || r.Status == status {
				out = append(out, *r)
			}
		}
	})
	return out
}

// DeadLetters lists records that exhausted their attempts.
func (p *Pipeline) DeadLetters() []state.MilestoneDeliveryRecord {
	return p.List(state.DeliveryDeadLetter)
}

// Get returns a copy of the record for key.
func (p *Pipeline) Get(key string) (state.MilestoneDeliveryRecord, bool) {
	var (
		out   state.MilestoneDeliveryRecord
		found bool
	)
	p.store.View(func(st *state.OrchestratorState) {
		if r := st.Milestone(key); r != nil {
			out, found = *r, true
		}
	})
	return out, found
}

// Requeue moves a dead-lettered record back to retrying with a fresh
// attempt budget and triggers a pass.
func (p *Pipeline) Requeue(key string) (state.MilestoneDeliveryRecord, error) {
	var out state.MilestoneDeliveryRecord
	err := p.store.Update(func(st *state.OrchestratorState) error {
		r := st.Milestone(key)
		if r == nil {
			return ErrNotFound
		}
		if r.Status != state.DeliveryDeadLetter {
			out = *r
			return ErrNotDeadLetter
		}
		r.Status = state.DeliveryRetrying
		r.Attempts = 0
		out = *r
		return nil
	})
	if err != nil {
		return out, err
	}
	p.logger.Info("milestone requeued", map[string]interface{}{
		"idempotency_key": key,
		"milestone_id":    out.MilestoneID,
	})
	if p.Configured() {
		p.Trigger()
	}
	return out, nil
}
