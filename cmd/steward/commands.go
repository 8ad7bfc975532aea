package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/Mindburn-Labs/steward/pkg/approval"
	"github.com/Mindburn-Labs/steward/pkg/config"
	"github.com/Mindburn-Labs/steward/pkg/export"
)

func newFlagSet(name string, stderr io.Writer) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.SetOutput(stderr)
	return fs
}

func parse(fs *pflag.FlagSet, args []string) (ok bool, code int) {
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return false, 0
		}
		return false, 2
	}
	return true, 0
}

func writeJSON(w io.Writer, v any) int {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		_, _ = fmt.Fprintf(w, "Error: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintln(w, string(data))
	return 0
}

func runPropose(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("propose", stderr)
	if ok, code := parse(fs, args); !ok {
		return code
	}
	text := strings.Join(fs.Args(), " ")
	if strings.TrimSpace(text) == "" {
		_, _ = fmt.Fprintln(stderr, "Usage: steward propose <text>")
		return 2
	}

	cfg, ok := loadConfig(stderr)
	if !ok {
		return 1
	}
	ctx := context.Background()
	svc, ok := openService(ctx, cfg, stderr)
	if !ok {
		return 1
	}
	defer func() { _ = svc.Close(ctx) }()

	draft, err := svc.Propose(ctx, text)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return writeJSON(stdout, draft)
}

func runTemplates(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("templates", stderr)
	jsonOutput := fs.Bool("json", false, "output templates as JSON")
	if ok, code := parse(fs, args); !ok {
		return code
	}

	cfg, ok := loadConfig(stderr)
	if !ok {
		return 1
	}
	ctx := context.Background()
	svc, ok := openService(ctx, cfg, stderr)
	if !ok {
		return 1
	}
	defer func() { _ = svc.Close(ctx) }()

	list := svc.Policies.Registry().List()
	if *jsonOutput {
		return writeJSON(stdout, list)
	}
	active := svc.Policy().Source
	for _, t := range list {
		marker := " "
		if "template:"+t.Key() == active {
			marker = "*"
		}
		p := t.PolicyPayload
		limit := "none"
		if p.MaxExecutionsPerDay != nil {
			limit = fmt.Sprintf("%d/day", *p.MaxExecutionsPerDay)
		}
		_, _ = fmt.Fprintf(stdout, "%s %-24s explicit=%-5t limit=%-8s localOnly=%t\n",
			marker, t.Key(), p.RequireExplicitConfirmation, limit, p.LocalProcessingOnly)
	}
	return 0
}

func runCheckURL(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("check-url", stderr)
	if ok, code := parse(fs, args); !ok {
		return code
	}
	if fs.NArg() != 1 {
		_, _ = fmt.Fprintln(stderr, "Usage: steward check-url <url>")
		return 2
	}

	cfg, ok := loadConfig(stderr)
	if !ok {
		return 1
	}
	ctx := context.Background()
	svc, ok := openService(ctx, cfg, stderr)
	if !ok {
		return 1
	}
	defer func() { _ = svc.Close(ctx) }()

	if err := svc.CheckURL(ctx, fs.Arg(0)); err != nil {
		_, _ = fmt.Fprintf(stdout, "denied: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintln(stdout, "allowed")
	return 0
}

func runSignWebhook(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("sign-webhook", stderr)
	eventType := fs.String("type", "", "event type, e.g. mail.received (REQUIRED)")
	data := fs.StringToString("data", nil, "payload fields as key=value pairs")
	if ok, code := parse(fs, args); !ok {
		return code
	}
	if *eventType == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --type is required")
		return 2
	}

	cfg, ok := loadConfig(stderr)
	if !ok {
		return 1
	}
	ctx := context.Background()
	svc, ok := openService(ctx, cfg, stderr)
	if !ok {
		return 1
	}
	defer func() { _ = svc.Close(ctx) }()

	fields := make(map[string]any, len(*data))
	for k, v := range *data {
		fields[k] = v
	}
	p, ok := svc.Webhooks.CreateSigned(*eventType, fields)
	if !ok {
		_, _ = fmt.Fprintln(stderr, "Error: no signing key; set STEWARD_WEBHOOK_SECRET")
		return 1
	}
	return writeJSON(stdout, p)
}

func runServeWebhooks(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("serve-webhooks", stderr)
	addr := fs.String("addr", "", "listen address (default STEWARD_WEBHOOK_ADDR)")
	sweep := fs.Duration("sweep-interval", time.Minute, "how often to expire gates and prune replay entries")
	if ok, code := parse(fs, args); !ok {
		return code
	}

	cfg, ok := loadConfig(stderr)
	if !ok {
		return 1
	}
	if *addr == "" {
		*addr = cfg.WebhookAddr
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	svc, ok := openService(ctx, cfg, stderr)
	if !ok {
		return 1
	}
	defer func() { _ = svc.Close(context.Background()) }()

	ln, err := net.Listen("tcp", *addr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	srv := &http.Server{
		Handler:           svc.Relay().Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
	}
	go func() {
		ticker := time.NewTicker(*sweep)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				_, _, _ = svc.Sweep(ctx)
			}
		}
	}()

	_, _ = fmt.Fprintf(stdout, "steward webhook relay listening on %s\n", ln.Addr())
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: shutdown: %v\n", err)
		return 1
	}
	return 0
}

func runDemo(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("demo", stderr)
	tier := fs.String("tier", "plus", "tier to run the demo under")
	template := fs.String("template", "balanced", "policy template id[@version]")
	if ok, code := parse(fs, args); !ok {
		return code
	}
	text := strings.Join(fs.Args(), " ")
	if text == "" {
		text = "todo: file report, deadline friday"
	}

	cfg, ok := loadConfig(stderr)
	if !ok {
		return 1
	}
	cfg.Tier = *tier
	cfg.PolicyTemplate = *template
	cfg.TokenStore = "memory"
	cfg.UsageStore = "memory"
	cfg.Flags = config.Flags{ExecutionEnabled: true}

	ctx := context.Background()
	svc, ok := openService(ctx, cfg, stderr)
	if !ok {
		return 1
	}
	defer func() { _ = svc.Close(ctx) }()

	fail := func(step string, err error) int {
		_, _ = fmt.Fprintf(stderr, "Error: %s: %v\n", step, err)
		return 1
	}

	draft, err := svc.Propose(ctx, text)
	if err != nil {
		return fail("propose", err)
	}
	p := draft.Proposal
	_, _ = fmt.Fprintf(stdout, "1. proposed   %s risk=%s signers=%d\n   %s\n",
		p.ID, p.RiskTier, p.ToolPlan.RequiredApprovals.MultiSignerCount, p.HumanSummary)
	if len(p.ToolPlan.ExecutionSteps) == 0 {
		_, _ = fmt.Fprintln(stdout, "   nothing to execute")
		return 0
	}

	gc := draft.Gate
	if gc.State != approval.StateConfirmed {
		if gc, err = svc.Approve(ctx, p.ID); err != nil {
			return fail("approve", err)
		}
	}
	_, _ = fmt.Fprintf(stdout, "2. approved   state=%s\n", gc.State)
	for _, effect := range gc.PendingSecondConfirmations() {
		if gc, err = svc.ConfirmSecond(ctx, p.ID, effect); err != nil {
			return fail("confirm", err)
		}
		_, _ = fmt.Fprintf(stdout, "   confirmed  %s\n", effect)
	}

	tok, err := svc.Authorize(ctx, p.ID)
	if err != nil {
		return fail("authorize", err)
	}
	_, _ = fmt.Fprintf(stdout, "3. authorized token=%s expires=%s\n", tok.ID, tok.ExpiresAt.Format(time.RFC3339))

	rcpt, err := svc.Execute(ctx, tok.Encoded)
	if err != nil {
		return fail("execute", err)
	}
	for _, s := range rcpt.Steps {
		_, _ = fmt.Fprintf(stdout, "4. executed   #%d %s ref=%s\n", s.Ordinal, s.Effect, s.Ref)
	}
	if _, err := svc.Execute(ctx, tok.Encoded); err != nil {
		_, _ = fmt.Fprintf(stdout, "5. replay     refused: %v\n", err)
	}
	if err := svc.Audit.VerifyChain(); err != nil {
		return fail("audit", err)
	}
	_, _ = fmt.Fprintf(stdout, "6. audit      %d events, chain verified\n", svc.Audit.Len())
	return 0
}

func runExport(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("export", stderr)
	kindFlag := fs.String("kind", "", "packet kind: audit, policy or usage (REQUIRED)")
	out := fs.String("out", "", "output directory for a local packet")
	s3Bucket := fs.String("s3-bucket", "", "write to this S3 bucket instead of a directory")
	s3Region := fs.String("s3-region", "us-east-1", "S3 region")
	s3Endpoint := fs.String("s3-endpoint", "", "custom S3 endpoint (https)")
	gcsBucket := fs.String("gcs-bucket", "", "write to this GCS bucket instead of a directory")
	prefix := fs.String("prefix", "", "object key prefix for bucket sinks")
	if ok, code := parse(fs, args); !ok {
		return code
	}
	kind, err := export.ParseKind(*kindFlag)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	if *out == "" && *s3Bucket == "" && *gcsBucket == "" {
		_, _ = fmt.Fprintln(stderr, "Error: one of --out, --s3-bucket or --gcs-bucket is required")
		return 2
	}

	cfg, ok := loadConfig(stderr)
	if !ok {
		return 1
	}
	ctx := context.Background()
	svc, ok := openService(ctx, cfg, stderr)
	if !ok {
		return 1
	}
	defer func() { _ = svc.Close(ctx) }()

	var sink export.Sink
	switch {
	case *gcsBucket != "":
		gcs, err := export.NewGCSSink(ctx, *gcsBucket, *prefix, svc.Egress)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		defer func() { _ = gcs.Close() }()
		sink = gcs
	case *s3Bucket != "":
		s3, err := export.NewS3Sink(ctx, export.S3SinkConfig{
			Bucket:   *s3Bucket,
			Region:   *s3Region,
			Endpoint: *s3Endpoint,
			Prefix:   *prefix,
		}, svc.Egress)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		sink = s3
	default:
		sink = &export.FileSink{Dir: *out}
	}

	loc, err := svc.ExportTo(ctx, kind, sink)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintf(stdout, "exported %s packet to %s\n", kind, loc)
	return 0
}
