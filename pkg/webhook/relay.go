package webhook

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/Mindburn-Labs/steward/pkg/config"
)

const (
	// RelayPath is the only route served by the relay.
	RelayPath = "/v1/webhooks"

	maxBodyBytes = 64 << 10

	defaultRPS   = 10
	defaultBurst = 20
	visitorTTL   = 3 * time.Minute
)

// ipLimiter holds one token bucket per remote IP. Stale entries are swept
// lazily on access.
type ipLimiter struct {
	mu        sync.Mutex
	visitors  map[string]*visitor
	rps       rate.Limit
	burst     int
	lastSweep time.Time
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newIPLimiter(rps float64, burst int) *ipLimiter {
	return &ipLimiter{
		visitors: make(map[string]*visitor),
		rps:      rate.Limit(rps),
		burst:    burst,
	}
}

func (l *ipLimiter) allow(ip string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.lastSweep) > time.Minute {
		for k, v := range l.visitors {
			if now.Sub(v.lastSeen) > visitorTTL {
				delete(l.visitors, k)
			}
		}
		l.lastSweep = now
	}

	v, ok := l.visitors[ip]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(l.rps, l.burst)}
		l.visitors[ip] = v
	}
	v.lastSeen = now
	return v.limiter.AllowN(now, 1)
}

// Relay is the HTTP front of an Ingestor.
type Relay struct {
	ingestor *Ingestor
	flags    func() config.Flags
	limiter  *ipLimiter
}

// NewRelay returns a relay. flags is called once per request and its result
// governs the whole request. A nil flags func treats the feature as off.
func NewRelay(in *Ingestor, flags func() config.Flags) *Relay {
	return &Relay{
		ingestor: in,
		flags:    flags,
		limiter:  newIPLimiter(defaultRPS, defaultBurst),
	}
}

// WithRateLimit overrides the per-IP limit.
func (r *Relay) WithRateLimit(rps float64, burst int) *Relay {
	r.limiter = newIPLimiter(rps, burst)
	return r
}

// Handler returns a mux serving RelayPath.
func (r *Relay) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(RelayPath, r)
	return mux
}

type acceptedResponse struct {
	Status   string `json:"status"`
	Type     string `json:"type"`
	FollowOn string `json:"followOn,omitempty"`
}

// ServeHTTP implements http.Handler.
func (r *Relay) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	var flags config.Flags
	if r.flags != nil {
		flags = r.flags()
	}
	if !flags.WebhooksEnabled {
		writeProblem(w, http.StatusNotFound, "webhooks are not enabled")
		return
	}
	if req.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeProblem(w, http.StatusMethodNotAllowed, "only POST is supported")
		return
	}
	if !r.limiter.allow(remoteIP(req), r.ingestor.clock()) {
		w.Header().Set("Retry-After", "1")
		writeProblem(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	req.Body = http.MaxBytesReader(w, req.Body, maxBodyBytes)
	var p Payload
	dec := json.NewDecoder(req.Body)
	if err := dec.Decode(&p); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			writeProblem(w, http.StatusRequestEntityTooLarge, "payload exceeds 64 KiB")
			return
		}
		writeProblem(w, http.StatusBadRequest, "payload is not valid JSON")
		return
	}

	res, err := r.ingestor.HandleInbound(req.Context(), flags, &p)
	switch {
	case err == nil:
	case errors.Is(err, ErrFeatureDisabled):
		writeProblem(w, http.StatusNotFound, "webhooks are not enabled")
		return
	case errors.Is(err, ErrInvalidSignature):
		writeProblem(w, http.StatusUnauthorized, "signature verification failed")
		return
	case errors.Is(err, ErrExpiredTimestamp):
		writeProblem(w, http.StatusRequestTimeout, "timestamp outside freshness window")
		return
	case errors.Is(err, ErrReplayDetected):
		writeProblem(w, http.StatusConflict, "nonce already consumed")
		return
	default:
		r.ingestor.logger.ErrorContext(req.Context(), "webhook relay failure", "error", err)
		writeProblem(w, http.StatusServiceUnavailable, "webhook could not be processed")
		return
	}

	out := acceptedResponse{Status: "accepted", Type: res.Type}
	if res.FollowOn != nil {
		out.FollowOn = string(res.FollowOn.Kind)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(out)
}

func remoteIP(req *http.Request) string {
	ip, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		ip = strings.TrimSuffix(strings.TrimPrefix(req.RemoteAddr, "["), "]")
	}
	return ip
}
