package boundary

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func normalEnforcer(t *testing.T, hosts ...string) *Enforcer {
	t.Helper()
	e, err := NewEnforcer(&Policy{
		Version:    PolicyVersion,
		Mode:       string(ModeNormal),
		Allowlists: map[string][]string{string(ModeNormal): hosts},
	})
	require.NoError(t, err)
	return e
}

func TestValidate_Precedence(t *testing.T) {
	ctx := context.Background()
	e := normalEnforcer(t, "api.example.com")

	assert.NoError(t, e.Validate(ctx, "https://api.example.com/v1"))
	assert.ErrorIs(t, e.Validate(ctx, "http://api.example.com/v1"), ErrSchemeNotHTTPS)
	assert.ErrorIs(t, e.Validate(ctx, "https://evil.example.net/"), ErrHostNotAllowlisted)

	require.NoError(t, e.SetMode(ModeOfflineOnly))
	for _, u := range []string{"https://api.example.com/", "http://x.test/", "garbage"} {
		assert.ErrorIs(t, e.Validate(ctx, u), ErrOfflineModeActive, u)
	}

	e.SetKillSwitch(true)
	require.NoError(t, e.SetMode(ModeNormal))
	for _, u := range []string{"https://api.example.com/", "http://x.test/", "garbage"} {
		err := e.Validate(ctx, u)
		assert.ErrorIs(t, err, ErrKillSwitchActive, u)
		assert.True(t, strings.HasPrefix(err.Error(), "kill switch"))
	}
}

func TestValidate_ReasonStrings(t *testing.T) {
	assert.Equal(t, "kill switch", ErrKillSwitchActive.Error())
	assert.Equal(t, "offline mode", ErrOfflineModeActive.Error())
	assert.Equal(t, "HTTPS required", ErrSchemeNotHTTPS.Error())
	assert.Equal(t, "not in allowlist", ErrHostNotAllowlisted.Error())
}

func TestValidate_WildcardAndCase(t *testing.T) {
	ctx := context.Background()
	e := normalEnforcer(t, "*.Example.com")
	assert.NoError(t, e.Validate(ctx, "https://API.example.com/"))
	assert.NoError(t, e.Validate(ctx, "https://a.b.example.com/"))
	assert.ErrorIs(t, e.Validate(ctx, "https://example.com/"), ErrHostNotAllowlisted)
	assert.ErrorIs(t, e.Validate(ctx, "https://notexample.com/"), ErrHostNotAllowlisted)
	assert.ErrorIs(t, e.Validate(ctx, "https://example.com.evil.net/"), ErrHostNotAllowlisted)
}

func TestValidate_ModeAllowlistsAreSeparate(t *testing.T) {
	ctx := context.Background()
	e, err := NewEnforcer(&Policy{
		Version: PolicyVersion,
		Mode:    string(ModeEnterpriseAllowlist),
		Allowlists: map[string][]string{
			string(ModeNormal):              {"public.example.com"},
			string(ModeEnterpriseAllowlist): {"corp.example.com"},
		},
	})
	require.NoError(t, err)
	assert.NoError(t, e.Validate(ctx, "https://corp.example.com/"))
	assert.ErrorIs(t, e.Validate(ctx, "https://public.example.com/"), ErrHostNotAllowlisted)
}

func TestRuntimeGrants(t *testing.T) {
	ctx := context.Background()
	e := normalEnforcer(t)
	target := "https://hooks.example.org/in"
	assert.ErrorIs(t, e.Validate(ctx, target), ErrHostNotAllowlisted)

	require.NoError(t, e.RegisterHost("hooks.example.org"))
	assert.NoError(t, e.Validate(ctx, target))
	assert.Equal(t, []string{"hooks.example.org"}, e.State().Allowlist)

	require.NoError(t, e.SetMode(ModeEnterpriseAllowlist))
	assert.NoError(t, e.Validate(ctx, target), "grants apply in every non-offline mode")

	e.RemoveHost("HOOKS.example.org")
	assert.ErrorIs(t, e.Validate(ctx, target), ErrHostNotAllowlisted)

	for _, bad := range []string{"", "*", "a/b", "foo.*.com", "user@host"} {
		assert.ErrorIs(t, e.RegisterHost(bad), ErrInvalidHost, bad)
	}
}

func TestNewEnforcer_NilPolicyIsOffline(t *testing.T) {
	e, err := NewEnforcer(nil)
	require.NoError(t, err)
	assert.ErrorIs(t, e.Validate(context.Background(), "https://a.example/"), ErrOfflineModeActive)
	assert.Equal(t, ModeOfflineOnly, e.State().Mode)
}

func TestParsePolicy(t *testing.T) {
	p, err := ParsePolicy(strings.NewReader(`
version: "1"
mode: normal
killSwitch: false
allowlists:
  normal: ["api.example.com", "*.cdn.example.com"]
`))
	require.NoError(t, err)
	assert.Equal(t, "normal", p.Mode)
	assert.Len(t, p.Allowlists["normal"], 2)

	_, err = ParsePolicy(strings.NewReader("version: \"1\"\nmode: turbo\n"))
	assert.Error(t, err)

	_, err = ParsePolicy(strings.NewReader("version: \"1\"\nmode: normal\nunknownField: 1\n"))
	assert.Error(t, err)

	_, err = ParsePolicy(strings.NewReader("version: \"2\"\nmode: normal\n"))
	assert.Error(t, err)
}

func TestTransport_BlocksBeforeDialing(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer srv.Close()

	e := normalEnforcer(t, "127.0.0.1")
	client := e.Client(srv.Client().Transport)

	// httptest serves plain HTTP, so the HTTPS rule rejects it.
	_, err := client.Get(srv.URL)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrSchemeNotHTTPS))
	assert.False(t, called)

	var nilTransport Transport
	_, err = nilTransport.RoundTrip(httptest.NewRequest(http.MethodGet, "https://x.example/", nil))
	assert.ErrorIs(t, err, ErrOfflineModeActive)
}

func TestValidate_NilEnforcerIsOffline(t *testing.T) {
	var e *Enforcer
	err := e.Validate(context.Background(), "https://api.example.com/")
	assert.ErrorIs(t, err, ErrOfflineModeActive)
	assert.Equal(t, "offline mode", err.Error())
}

func TestTransport_AllowsTLSServer(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	e := normalEnforcer(t, "127.0.0.1")
	resp, err := e.Client(srv.Client().Transport).Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}
