package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func isolate(t *testing.T) {
	t.Helper()
	t.Setenv("STEWARD_DATA_DIR", t.TempDir())
	t.Setenv("STEWARD_LOG_LEVEL", "ERROR")
	t.Setenv("STEWARD_TIER", "free")
	t.Setenv("STEWARD_TOKEN_STORE", "memory")
	t.Setenv("STEWARD_USAGE_STORE", "memory")
	t.Setenv("STEWARD_NETWORK_POLICY", "")
	t.Setenv("STEWARD_POLICY_TEMPLATES", "")
	t.Setenv("STEWARD_POLICY_TEMPLATE", "")
	t.Setenv("STEWARD_WEBHOOK_SECRET", "")
	t.Setenv("STEWARD_TELEMETRY", "")
}

func run(args ...string) (int, string, string) {
	var stdout, stderr bytes.Buffer
	code := Run(append([]string{"steward"}, args...), &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestRun_Dispatch(t *testing.T) {
	code, _, stderr := run()
	assert.Equal(t, 2, code)
	assert.Contains(t, stderr, "USAGE")

	code, _, stderr = run("launch")
	assert.Equal(t, 2, code)
	assert.Contains(t, stderr, "Unknown command: launch")

	code, stdout, _ := run("help")
	assert.Equal(t, 0, code)
	assert.Contains(t, stdout, "serve-webhooks")

	code, stdout, _ = run("version")
	assert.Equal(t, 0, code)
	assert.Contains(t, stdout, version)
}

func TestPropose_PrintsNoRawText(t *testing.T) {
	isolate(t)
	code, stdout, stderr := run("propose", "reply", "to", "Bartholomew", "about", "the", "gala")
	require.Equal(t, 0, code, stderr)
	assert.Contains(t, stdout, "replyDraft")
	assert.NotContains(t, stdout, "Bartholomew")

	code, _, _ = run("propose")
	assert.Equal(t, 2, code)
}

func TestTemplates_MarksActive(t *testing.T) {
	isolate(t)
	code, stdout, stderr := run("templates")
	require.Equal(t, 0, code, stderr)
	assert.Contains(t, stdout, "* conservative@1.0.0")
	assert.Contains(t, stdout, "offline-private@1.0.0")

	code, stdout, _ = run("templates", "--json")
	require.Equal(t, 0, code)
	assert.Contains(t, stdout, `"policyPayload"`)
}

func TestCheckURL(t *testing.T) {
	isolate(t)
	code, stdout, _ := run("check-url", "https://api.example.com/")
	assert.Equal(t, 1, code)
	assert.Contains(t, stdout, "denied: offline mode")

	policy := filepath.Join(t.TempDir(), "network.yaml")
	require.NoError(t, os.WriteFile(policy, []byte("version: \"1\"\nmode: normal\nallowlists:\n  normal: [\"api.example.com\"]\n"), 0o600))
	t.Setenv("STEWARD_NETWORK_POLICY", policy)

	code, stdout, _ = run("check-url", "https://api.example.com/")
	assert.Equal(t, 0, code)
	assert.Equal(t, "allowed\n", stdout)

	code, stdout, _ = run("check-url", "http://api.example.com/")
	assert.Equal(t, 1, code)
	assert.Contains(t, stdout, "HTTPS required")

	code, _, _ = run("check-url")
	assert.Equal(t, 2, code)
}

func TestSignWebhook(t *testing.T) {
	isolate(t)
	code, _, stderr := run("sign-webhook", "--type", "mail.received")
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "STEWARD_WEBHOOK_SECRET")

	t.Setenv("STEWARD_WEBHOOK_SECRET", "cli-test-secret")
	code, stdout, stderr := run("sign-webhook", "--type", "mail.received", "--data", "mailbox=inbox")
	require.Equal(t, 0, code, stderr)
	assert.Contains(t, stdout, `"signature"`)
	assert.Contains(t, stdout, `"mailbox": "inbox"`)

	code, _, _ = run("sign-webhook")
	assert.Equal(t, 2, code)
}

func TestDemo(t *testing.T) {
	isolate(t)
	code, stdout, stderr := run("demo")
	require.Equal(t, 0, code, stderr)
	assert.Contains(t, stdout, "4. executed")
	assert.Contains(t, stdout, "5. replay     refused")
	assert.Contains(t, stdout, "chain verified")

	code, stdout, stderr = run("demo", "sign", "the", "contract", "and", "reply")
	require.Equal(t, 0, code, stderr)
	assert.Contains(t, stdout, "confirmed  emailDraft")

	code, stdout, _ = run("demo", "nice", "weather")
	assert.Equal(t, 0, code)
	assert.Contains(t, stdout, "nothing to execute")
}

func TestExport(t *testing.T) {
	isolate(t)
	dir := t.TempDir()

	code, _, stderr := run("export", "--kind", "policy", "--out", dir)
	assert.Equal(t, 1, code, "free tier has no export")
	assert.Contains(t, stderr, "not available")

	t.Setenv("STEWARD_TIER", "plus")
	code, stdout, stderr := run("export", "--kind", "policy", "--out", dir)
	require.Equal(t, 0, code, stderr)
	assert.Contains(t, stdout, "exported policy packet")
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, strings.HasPrefix(entries[0].Name(), "steward-policy-"))

	code, _, _ = run("export", "--kind", "secrets", "--out", dir)
	assert.Equal(t, 2, code)

	code, _, _ = run("export", "--kind", "usage")
	assert.Equal(t, 2, code)

	code, _, stderr = run("export", "--kind", "usage", "--s3-bucket", "b")
	assert.Equal(t, 1, code, "offline policy refuses the S3 endpoint")
	assert.Contains(t, stderr, "offline mode")
}
