package controlplane_test

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/steward/pkg/approval"
	"github.com/Mindburn-Labs/steward/pkg/audit"
	"github.com/Mindburn-Labs/steward/pkg/config"
	"github.com/Mindburn-Labs/steward/pkg/contracts"
	"github.com/Mindburn-Labs/steward/pkg/controlplane"
	"github.com/Mindburn-Labs/steward/pkg/export"
	"github.com/Mindburn-Labs/steward/pkg/governance"
	"github.com/Mindburn-Labs/steward/pkg/webhook"
)

type testClock struct{ now time.Time }

func (c *testClock) Now() time.Time { return c.now }

func newService(t *testing.T, mutate func(*config.Config)) (*controlplane.Service, *testClock) {
	t.Helper()
	cfg := &config.Config{
		DataDir:        t.TempDir(),
		LogLevel:       "ERROR",
		Tier:           "plus",
		TokenStore:     "memory",
		UsageStore:     "memory",
		WebhookSecret:  "test-webhook-secret",
		PolicyTemplate: "balanced",
		Flags: config.Flags{
			WebhooksEnabled:   true,
			AuditPurgeEnabled: true,
			ExecutionEnabled:  true,
		},
	}
	if mutate != nil {
		mutate(cfg)
	}
	clock := &testClock{now: time.Date(2026, 5, 4, 8, 0, 0, 0, time.UTC)}
	svc, err := controlplane.New(context.Background(), cfg, controlplane.WithClock(clock.Now))
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close(context.Background()) })
	return svc, clock
}

func kinds(events []audit.Event) []audit.Kind {
	out := make([]audit.Kind, 0, len(events))
	for _, e := range events {
		out = append(out, e.Kind)
	}
	return out
}

func TestNew_RejectsBadConfig(t *testing.T) {
	ctx := context.Background()
	_, err := controlplane.New(ctx, nil)
	assert.Error(t, err)

	_, err = controlplane.New(ctx, &config.Config{Tier: "gold", TokenStore: "memory", UsageStore: "memory", PolicyTemplate: "balanced"})
	assert.Error(t, err)

	_, err = controlplane.New(ctx, &config.Config{Tier: "free", TokenStore: "etcd", UsageStore: "memory", PolicyTemplate: "balanced"})
	assert.Error(t, err)

	_, err = controlplane.New(ctx, &config.Config{Tier: "free", TokenStore: "memory", UsageStore: "memory", PolicyTemplate: "reckless"})
	assert.Error(t, err)
}

func TestProposeToExecute(t *testing.T) {
	svc, _ := newService(t, nil)
	ctx := context.Background()

	draft, err := svc.Propose(ctx, "todo: file report, deadline friday")
	require.NoError(t, err)
	assert.Equal(t, approval.StateAwaitingApproval, draft.State)
	require.NotNil(t, draft.Lineage)
	assert.True(t, draft.Lineage.Verify())

	id := draft.Proposal.ID
	_, err = svc.Authorize(ctx, id)
	require.Error(t, err, "no token before approval")

	gc, err := svc.Approve(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, approval.StateConfirmed, gc.State)

	tok, err := svc.Authorize(ctx, id)
	require.NoError(t, err)
	rcpt, err := svc.Execute(ctx, tok.Encoded)
	require.NoError(t, err)
	require.Len(t, rcpt.Steps, 1)
	assert.Equal(t, contracts.EffectTaskCreate, rcpt.Steps[0].Effect)

	_, err = svc.Execute(ctx, tok.Encoded)
	assert.Error(t, err, "a token executes once")

	snap, err := svc.Usage.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), snap.ExecutionsThisWindow)
	assert.Equal(t, int64(1), snap.StoredItems)

	require.NoError(t, svc.Audit.VerifyChain())
	got := kinds(svc.Audit.Events())
	for _, k := range []audit.Kind{
		audit.KindProposalCreated,
		audit.KindPolicyDecision,
		audit.KindLineage,
		audit.KindApprovalDecision,
		audit.KindTokenIssued,
		audit.KindExecution,
	} {
		assert.Contains(t, got, k)
	}
}

func TestPropose_AuditCarriesNoText(t *testing.T) {
	svc, _ := newService(t, nil)
	_, err := svc.Propose(context.Background(), "reply to Bartholomew about the quarterly gala")
	require.NoError(t, err)

	data, err := svc.Export(context.Background(), export.KindAudit)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "Bartholomew")
	assert.NotContains(t, string(data), "quarterly")
}

func TestPropose_PolicyDeniesCategory(t *testing.T) {
	svc, _ := newService(t, func(c *config.Config) { c.PolicyTemplate = "focused-tasks" })

	_, err := svc.Propose(context.Background(), "please reply to this email")
	assert.ErrorIs(t, err, approval.ErrEffectDenied)

	events := svc.Audit.Events()
	last := events[len(events)-1]
	assert.Equal(t, audit.KindPolicyDecision, last.Kind)
	assert.Equal(t, "denied", last.Outcome)
}

func TestPropose_AutoApprovalWithoutExplicitConfirmation(t *testing.T) {
	svc, _ := newService(t, func(c *config.Config) { c.PolicyTemplate = "focused-tasks@1.0.0" })
	draft, err := svc.Propose(context.Background(), "todo: file report, deadline friday")
	require.NoError(t, err)
	assert.Equal(t, approval.StateConfirmed, draft.State)
	assert.Equal(t, "autoApproved", draft.Lineage.PolicyDecision)
}

func TestDualConfirmation(t *testing.T) {
	svc, _ := newService(t, nil)
	ctx := context.Background()

	draft, err := svc.Propose(ctx, "sign the contract and reply")
	require.NoError(t, err)
	require.Equal(t, contracts.RiskHigh, draft.Proposal.RiskTier)
	id := draft.Proposal.ID

	gc, err := svc.Approve(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, approval.StateAwaitingSecondConfirmation, gc.State)
	_, err = svc.Authorize(ctx, id)
	assert.Error(t, err)

	gc, err = svc.ConfirmSecond(ctx, id, contracts.EffectEmailDraft)
	require.NoError(t, err)
	assert.Equal(t, approval.StateConfirmed, gc.State)
	_, err = svc.Authorize(ctx, id)
	assert.NoError(t, err)
}

func TestPolicySwitching(t *testing.T) {
	svc, _ := newService(t, nil)
	ctx := context.Background()

	_, err := svc.UseCustomPolicy(governance.OperatorPolicy{AllowTaskCreation: true})
	assert.Error(t, err)

	draft, err := svc.Propose(ctx, "todo: file report, deadline friday")
	require.NoError(t, err)
	_, err = svc.Approve(ctx, draft.Proposal.ID)
	require.NoError(t, err)
	tok, err := svc.Authorize(ctx, draft.Proposal.ID)
	require.NoError(t, err)

	live, err := svc.UseTemplate("offline-private", "")
	require.NoError(t, err)
	assert.Equal(t, live, svc.Policy())

	_, err = svc.UseTemplate("balanced", "")
	require.NoError(t, err)
	_, err = svc.Execute(ctx, tok.Encoded)
	assert.NoError(t, err)
}

func TestWebhooks_TierAndFlags(t *testing.T) {
	free, _ := newService(t, func(c *config.Config) { c.Tier = "free" })
	assert.False(t, free.Flags().WebhooksEnabled)
	p, ok := free.Webhooks.CreateSigned("mail.received", nil)
	require.True(t, ok)
	_, err := free.HandleWebhook(context.Background(), p)
	assert.ErrorIs(t, err, webhook.ErrFeatureDisabled)

	plus, _ := newService(t, nil)
	p, ok = plus.Webhooks.CreateSigned("mail.received", nil)
	require.True(t, ok)
	res, err := plus.HandleWebhook(context.Background(), p)
	require.NoError(t, err)
	require.NotNil(t, res.FollowOn)

	pending, err := plus.Tasks.Pending(context.Background())
	require.NoError(t, err)
	assert.Len(t, pending, 1)

	flags := plus.Flags()
	flags.WebhooksEnabled = false
	plus.SetFlags(flags)
	_, err = plus.HandleWebhook(context.Background(), p)
	assert.ErrorIs(t, err, webhook.ErrFeatureDisabled)
}

func TestExport(t *testing.T) {
	free, _ := newService(t, func(c *config.Config) { c.Tier = "free" })
	_, err := free.Export(context.Background(), export.KindUsage)
	assert.ErrorIs(t, err, controlplane.ErrFeatureUnavailable)

	svc, _ := newService(t, nil)
	for _, k := range []export.Kind{export.KindAudit, export.KindPolicy, export.KindUsage} {
		data, err := svc.Export(context.Background(), k)
		require.NoError(t, err, k)
		assert.Empty(t, export.ValidateBytes(data), k)
	}
	_, err = svc.Export(context.Background(), export.Kind("secrets"))
	assert.ErrorIs(t, err, export.ErrUnknownKind)

	dir := t.TempDir()
	loc, err := svc.ExportTo(context.Background(), export.KindPolicy, &export.FileSink{Dir: dir})
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(loc, "steward-policy-2026-05-04.json"))
	_, err = os.Stat(loc)
	assert.NoError(t, err)
}

func TestPurgeAudit(t *testing.T) {
	svc, _ := newService(t, func(c *config.Config) { c.Flags.AuditPurgeEnabled = false })
	_, err := svc.Propose(context.Background(), "nice weather")
	require.NoError(t, err)

	assert.Equal(t, audit.PurgeNotEnabled, svc.PurgeAudit(true))
	svc.SetFlags(config.Flags{AuditPurgeEnabled: true, ExecutionEnabled: true})
	assert.Equal(t, audit.PurgeRequiresConfirmation, svc.PurgeAudit(false))
	assert.NotZero(t, svc.Audit.Len())
	assert.Equal(t, audit.PurgeSuccess, svc.PurgeAudit(true))
	assert.Zero(t, svc.Audit.Len())
}

func TestSweep_DropsTerminalGates(t *testing.T) {
	svc, clock := newService(t, nil)
	ctx := context.Background()
	stale, err := svc.Propose(ctx, "todo: file report, deadline friday")
	require.NoError(t, err)
	rejected, err := svc.Propose(ctx, "todo: file report, deadline friday")
	require.NoError(t, err)
	_, err = svc.Reject(ctx, rejected.Proposal.ID, "not now")
	require.NoError(t, err)

	dropped, _, err := svc.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, dropped, "only the rejected gate is terminal")

	clock.now = clock.now.Add(approval.DefaultTTL + time.Minute)
	dropped, _, err = svc.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, dropped)

	_, err = svc.Approve(ctx, stale.Proposal.ID)
	assert.ErrorIs(t, err, approval.ErrGateNotFound)
}

func TestSQLiteBackends(t *testing.T) {
	dir := t.TempDir()
	svc, _ := newService(t, func(c *config.Config) {
		c.DataDir = dir
		c.TokenStore = "sqlite"
		c.UsageStore = "sqlite"
	})
	ctx := context.Background()

	draft, err := svc.Propose(ctx, "todo: file report, deadline friday")
	require.NoError(t, err)
	_, err = svc.Approve(ctx, draft.Proposal.ID)
	require.NoError(t, err)
	tok, err := svc.Authorize(ctx, draft.Proposal.ID)
	require.NoError(t, err)
	_, err = svc.Execute(ctx, tok.Encoded)
	require.NoError(t, err)

	_, err = os.Stat(dir + "/steward.db")
	assert.NoError(t, err)
	snap, err := svc.Usage.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), snap.ExecutionsThisWindow)
}

func TestCheckURL_OfflineByDefault(t *testing.T) {
	svc, _ := newService(t, nil)
	assert.Error(t, svc.CheckURL(context.Background(), "https://api.example.com/"))
}

func TestCheckURL_PolicyFile(t *testing.T) {
	path := t.TempDir() + "/network.yaml"
	require.NoError(t, os.WriteFile(path, []byte("version: \"1\"\nmode: normal\nallowlists:\n  normal: [\"api.example.com\"]\n"), 0o600))
	svc, _ := newService(t, func(c *config.Config) { c.NetworkPolicy = path })

	assert.NoError(t, svc.CheckURL(context.Background(), "https://api.example.com/v1"))
	assert.Error(t, svc.CheckURL(context.Background(), "https://other.example.com/"))
}
