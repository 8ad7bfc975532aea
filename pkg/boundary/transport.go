package boundary

import (
	"net/http"
)

// Transport is an http.RoundTripper that validates every request URL with
// the enforcer before delegating.
type Transport struct {
	Enforcer *Enforcer
	Base     http.RoundTripper
}

// RoundTrip implements http.RoundTripper. A nil enforcer behaves as offline.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.Enforcer == nil {
		return nil, ErrOfflineModeActive
	}
	if err := t.Enforcer.Validate(req.Context(), req.URL.String()); err != nil {
		return nil, err
	}
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}
	return base.RoundTrip(req)
}

// Client returns an http.Client whose transport is guarded by e.
func (e *Enforcer) Client(base http.RoundTripper) *http.Client {
	return &http.Client{Transport: &Transport{Enforcer: e, Base: base}}
}
