package server

import (
	"errors"
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

var (
	// ErrServerFull is returned when the global client cap is reached
	ErrServerFull = errors.New("server is full")
	// ErrTooManyConnections is returned when one IP holds too many connections
	ErrTooManyConnections = errors.New("too many connections from this address")
	// ErrConnectRateLimited is returned when one IP connects too quickly
	ErrConnectRateLimited = errors.New("connecting too quickly")
)

// idle per-IP entries are forgotten after this long
const admissionEntryTTL = 10 * time.Minute

type admissionEntry struct {
	limiter  *rate.Limiter
	active   int
	lastSeen time.Time
}

// admission gates new connections before the handshake: a global cap, a
// per-IP concurrent cap and a per-IP token bucket on connection attempts.
// Zero values disable the corresponding check.
type admission struct {
	mu        sync.Mutex
	entries   map[string]*admissionEntry
	total     int
	maxTotal  int
	maxPerIP  int
	rateLimit rate.Limit
	burst     int
	now       func() time.Time
}

func newAdmission(maxTotal, maxPerIP int, perSecond float64, burst int) *admission {
	limit := rate.Inf
	if perSecond > 0 {
		limit = rate.Limit(perSecond)
	}
	if burst <= 0 {
		burst = 1
	}
	return &admission{
		entries:   make(map[string]*admissionEntry),
		maxTotal:  maxTotal,
		maxPerIP:  maxPerIP,
		rateLimit: limit,
		burst:     burst,
		now:       time.Now,
	}
}

// acquire reserves a slot for a connection from addr. The returned release
// must be called exactly once when the connection ends.
func (a *admission) acquire(addr string) (func(), error) {
	ip := hostOf(addr)
	now := a.now()

	a.mu.Lock()
	defer a.mu.Unlock()

	a.pruneLocked(now)

	if a.maxTotal > 0 && a.total >= a.maxTotal {
		return nil, ErrServerFull
	}

	entry, ok := a.entries[ip]
	if !ok {
		entry = &admissionEntry{limiter: rate.NewLimiter(a.rateLimit, a.burst)}
		a.entries[ip] = entry
	}
	entry.lastSeen = now

	if a.maxPerIP > 0 && entry.active >= a.maxPerIP {
		return nil, ErrTooManyConnections
	}
	if !entry.limiter.AllowN(now, 1) {
		return nil, ErrConnectRateLimited
	}

	entry.active++
	a.total++

	var once sync.Once
	return func() {
		once.Do(func() {
			a.mu.Lock()
			defer a.mu.Unlock()
			entry.active--
			entry.lastSeen = a.now()
			a.total--
		})
	}, nil
}

func (a *admission) pruneLocked(now time.Time) {
	for ip, entry := range a.entries {
		if entry.active == 0 && now.Sub(entry.lastSeen) > admissionEntryTTL {
			delete(a.entries, ip)
		}
	}
}

func hostOf(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

func admissionReason(err error) string {
	switch {
	case errors.Is(err, ErrServerFull):
		return "server_full"
	case errors.Is(err, ErrTooManyConnections):
		return "per_ip_limit"
	case errors.Is(err, ErrConnectRateLimited):
		return "connect_rate"
	default:
		return "other"
	}
}
