package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/Mindburn-Labs/steward/pkg/audit"
	"github.com/Mindburn-Labs/steward/pkg/boundary"
	"github.com/Mindburn-Labs/steward/pkg/canonicalize"
	"github.com/Mindburn-Labs/steward/pkg/capabilities"
	"github.com/Mindburn-Labs/steward/pkg/config"
	"github.com/Mindburn-Labs/steward/pkg/observability"
	"github.com/Mindburn-Labs/steward/pkg/tasks"
)

// followOn maps accepted event types to the task they may schedule.
var followOn = map[string]tasks.Kind{
	"calendar.changed": tasks.KindRefreshCalendarDigest,
	"mail.received":    tasks.KindRefreshInboxDigest,
	"tasks.synced":     tasks.KindRefreshTaskDigest,
}

// Result describes an accepted payload.
type Result struct {
	Type     string
	FollowOn *tasks.Record // nil when the event type has no follow-on
	Created  bool          // false when the follow-on was already queued
}

// Ingestor signs outbound and verifies inbound webhook payloads.
type Ingestor struct {
	key     []byte
	replay  capabilities.ReplayStore
	queue   tasks.Queue
	egress  *boundary.Enforcer
	base    http.RoundTripper
	window  time.Duration
	clock   func() time.Time
	newID   func() string
	logger  *slog.Logger
	metrics *observability.Provider
	audit   *audit.Ledger
}

// NewIngestor creates an ingestor. secret may be empty, in which case
// CreateSigned yields nothing and every inbound payload fails verification.
func NewIngestor(secret []byte, replay capabilities.ReplayStore, queue tasks.Queue) (*Ingestor, error) {
	key, err := DeriveKey(secret)
	if err != nil {
		return nil, err
	}
	return &Ingestor{
		key:    key,
		replay: replay,
		queue:  queue,
		window: DefaultFreshnessWindow,
		clock:  time.Now,
		newID:  uuid.NewString,
		logger: slog.Default().With("component", "webhook"),
	}, nil
}

// WithClock overrides the time source.
func (in *Ingestor) WithClock(clock func() time.Time) *Ingestor {
	in.clock = clock
	return in
}

// WithWindow overrides the freshness window.
func (in *Ingestor) WithWindow(d time.Duration) *Ingestor {
	in.window = d
	return in
}

// WithEgress sets the enforcer that guards Deliver.
func (in *Ingestor) WithEgress(e *boundary.Enforcer) *Ingestor {
	in.egress = e
	return in
}

// WithTransport sets the round tripper used beneath the egress guard.
func (in *Ingestor) WithTransport(rt http.RoundTripper) *Ingestor {
	in.base = rt
	return in
}

// WithLogger sets the logger.
func (in *Ingestor) WithLogger(l *slog.Logger) *Ingestor {
	in.logger = l
	return in
}

// WithTelemetry sets the telemetry provider.
func (in *Ingestor) WithTelemetry(p *observability.Provider) *Ingestor {
	in.metrics = p
	return in
}

// WithAudit records accepted and rejected payloads in l.
func (in *Ingestor) WithAudit(l *audit.Ledger) *Ingestor {
	in.audit = l
	return in
}

// CreateSigned builds and signs a payload stamped with the current time and
// a fresh nonce. It reports false when no signing key is configured.
func (in *Ingestor) CreateSigned(eventType string, data map[string]any) (*Payload, bool) {
	if len(in.key) == 0 {
		return nil, false
	}
	if data == nil {
		data = map[string]any{}
	}
	p := &Payload{
		Type:      eventType,
		Timestamp: in.clock().UTC(),
		Nonce:     in.newID(),
		Data:      data,
	}
	sig, err := sign(in.key, p)
	if err != nil {
		in.logger.Warn("webhook signing failed", "type", eventType, "error", err)
		return nil, false
	}
	p.Signature = sig
	return p, true
}

// HandleInbound verifies a payload and schedules its follow-on task. The
// checks run in a fixed order and the first failure wins: feature flag,
// signature, freshness, then nonce replay.
func (in *Ingestor) HandleInbound(ctx context.Context, flags config.Flags, p *Payload) (res *Result, err error) {
	ctx, done := in.metrics.TrackOperation(ctx, "webhook.inbound")
	defer func() { done(err) }()

	if !flags.WebhooksEnabled {
		return nil, ErrFeatureDisabled
	}
	if p == nil || !verify(in.key, p) {
		in.reject(ctx, p, ErrInvalidSignature)
		return nil, ErrInvalidSignature
	}

	now := in.clock()
	age := now.Sub(p.Timestamp)
	if age < 0 {
		age = -age
	}
	if age > in.window {
		in.reject(ctx, p, ErrExpiredTimestamp)
		return nil, ErrExpiredTimestamp
	}

	if in.replay == nil {
		return nil, fmt.Errorf("webhook: no replay store configured")
	}
	fresh, err := in.replay.Consume(ctx, capabilities.WebhookKey(p.Nonce), p.Timestamp.Add(in.window))
	if err != nil {
		return nil, fmt.Errorf("webhook: replay store: %w", err)
	}
	if !fresh {
		in.reject(ctx, p, ErrReplayDetected)
		return nil, ErrReplayDetected
	}

	res = &Result{Type: p.Type}
	kind, ok := followOn[p.Type]
	in.record(audit.KindWebhookAccepted, p, "accepted")
	if !ok || in.queue == nil {
		in.logger.InfoContext(ctx, "webhook accepted", "type", p.Type, "follow_on", false)
		return res, nil
	}
	rec, created, err := in.queue.Enqueue(ctx, kind, canonicalize.HashString(p.Nonce))
	if err != nil {
		return nil, fmt.Errorf("webhook: enqueue follow-on: %w", err)
	}
	res.FollowOn = &rec
	res.Created = created
	in.logger.InfoContext(ctx, "webhook accepted",
		"type", p.Type,
		"follow_on", string(kind),
		"created", created,
	)
	return res, nil
}

func (in *Ingestor) reject(ctx context.Context, p *Payload, reason error) {
	typ := ""
	if p != nil {
		typ = p.Type
	}
	in.logger.WarnContext(ctx, "webhook rejected", "type", typ, "reason", reason.Error())
	outcome := "rejected"
	switch reason {
	case ErrInvalidSignature:
		outcome = "rejected:signature"
	case ErrExpiredTimestamp:
		outcome = "rejected:expired"
	case ErrReplayDetected:
		outcome = "rejected:replay"
	}
	in.record(audit.KindWebhookRejected, p, outcome)
}

// record appends an audit event keyed by the nonce hash. Payload content is
// never recorded.
func (in *Ingestor) record(kind audit.Kind, p *Payload, outcome string) {
	if in.audit == nil {
		return
	}
	ref := ""
	if p != nil && p.Nonce != "" {
		ref = canonicalize.HashString(p.Nonce)
	}
	if _, err := in.audit.Append(audit.Record{Kind: kind, Ref: ref, Outcome: outcome}); err != nil {
		in.logger.Error("audit append failed", "kind", string(kind), "error", err)
	}
}

// Deliver posts a payload to endpoint through the egress enforcer. Without
// an enforcer every delivery is denied.
func (in *Ingestor) Deliver(ctx context.Context, endpoint string, p *Payload) (err error) {
	if p == nil {
		return ErrMalformed
	}
	ctx, done := in.metrics.TrackOperation(ctx, "webhook.deliver", attribute.String("type", p.Type))
	defer func() { done(err) }()

	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("webhook: encode payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("webhook: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := in.egress.Client(in.base).Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodyBytes))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook: delivery rejected with status %d", resp.StatusCode)
	}
	return nil
}
