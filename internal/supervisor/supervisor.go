package supervisor

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/eleven-am/audio-bridge/internal/shared"
)

// ServerEndpoint is one remote media endpoint the bridge can stream to.
type ServerEndpoint struct {
	ID         string
	URL        string
	Weight     int
	Healthy    bool
	Failures   int
	Successes  int
	AvgLatency time.Duration
	LastError  string
	LastSeen   time.Time
}

// SuccessRate is successful dials over total dials, in [0,1].
func (e *ServerEndpoint) SuccessRate() float64 {
	total := e.Successes + e.Failures
	if total == 0 {
		return 0
	}
	return float64(e.Successes) / float64(total)
}

// SystemHealth is the aggregate view reported on the health endpoint.
type SystemHealth struct {
	Healthy         bool      `json:"healthy"`
	TotalServers    int       `json:"total_servers"`
	HealthyServers  int       `json:"healthy_servers"`
	DegradedServers int       `json:"degraded_servers"`
	FailedServers   int       `json:"failed_servers"`
	ActiveServer    string    `json:"active_server,omitempty"`
	Failovers       uint64    `json:"failovers"`
	LastFailover    time.Time `json:"last_failover,omitempty"`
	AvgLatencyMs    int64     `json:"avg_latency_ms"`
	AvgSuccessRate  float64   `json:"avg_success_rate"`
	OpenBreakers    int       `json:"open_breakers"`
	ReconnectPolicy string    `json:"reconnect_policy"`
}

// Supervisor tracks the set of remote endpoints, their breakers and which
// one a session should dial next.
type Supervisor struct {
	mu sync.RWMutex

	policy     ReconnectionPolicy
	policyName string
	log        *slog.Logger

	servers  []*ServerEndpoint
	breakers map[string]*CircuitBreaker
	active   string

	failovers    uint64
	lastFailover time.Time
}

func New(policyName string, log *slog.Logger) *Supervisor {
	return NewWithPolicy(PolicyByName(policyName), policyName, log)
}

// NewWithPolicy builds a supervisor around an explicit policy rather than
// a named preset.
func NewWithPolicy(policy ReconnectionPolicy, name string, log *slog.Logger) *Supervisor {
	if log == nil {
		log = slog.Default()
	}
	return &Supervisor{
		policy:     policy,
		policyName: name,
		log:        log.With("component", "supervisor"),
		breakers:   make(map[string]*CircuitBreaker),
	}
}

func (s *Supervisor) Policy() ReconnectionPolicy {
	return s.policy
}

// AddServer registers an endpoint. Endpoints start healthy. The pool is
// kept sorted ascending by weight so selection walks rank order, with
// registration order breaking ties.
func (s *Supervisor) AddServer(id, url string, weight int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, srv := range s.servers {
		if srv.ID == id {
			return shared.ErrServerExists
		}
	}
	s.servers = append(s.servers, &ServerEndpoint{
		ID:      id,
		URL:     url,
		Weight:  weight,
		Healthy: true,
	})
	sort.SliceStable(s.servers, func(i, j int) bool {
		return s.servers[i].Weight < s.servers[j].Weight
	})
	s.breakers[id] = NewCircuitBreaker(s.policy.CircuitBreakerThreshold, s.policy.CircuitBreakerCooldown)
	s.log.Info("server registered", "server_id", id, "url", url, "weight", weight)
	return nil
}

func (s *Supervisor) RemoveServer(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, srv := range s.servers {
		if srv.ID == id {
			s.servers = append(s.servers[:i], s.servers[i+1:]...)
			delete(s.breakers, id)
			if s.active == id {
				s.active = ""
			}
			return nil
		}
	}
	return shared.ErrServerNotFound
}

// SelectServer picks the endpoint for the next dial among the named
// candidates; an empty candidate list means every registered server. The
// active endpoint is kept while it stays viable, otherwise the lowest-rank
// healthy one with a permissive breaker wins, falling back to the
// lowest-rank candidate so a fully degraded pool still gets probed.
func (s *Supervisor) SelectServer(candidateIDs ...string) (*ServerEndpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pool := s.poolLocked(candidateIDs)
	if len(pool) == 0 {
		return nil, shared.ErrNoServers
	}

	poolHasActive := false
	for _, srv := range pool {
		if srv.ID == s.active {
			poolHasActive = true
			if srv.Healthy && s.breakers[srv.ID].Allow() {
				return s.snapshotLocked(srv), nil
			}
		}
	}
	for _, srv := range pool {
		if srv.Healthy && s.breakers[srv.ID].Allow() {
			s.activateLocked(srv.ID, poolHasActive)
			return s.snapshotLocked(srv), nil
		}
	}
	srv := pool[0]
	if !s.breakers[srv.ID].Allow() {
		return nil, shared.ErrCircuitOpen
	}
	s.activateLocked(srv.ID, poolHasActive)
	return s.snapshotLocked(srv), nil
}

// poolLocked filters the rank-sorted server list down to the named
// candidates, preserving rank order. Must be called with s.mu held.
func (s *Supervisor) poolLocked(ids []string) []*ServerEndpoint {
	if len(ids) == 0 {
		return s.servers
	}
	pool := make([]*ServerEndpoint, 0, len(ids))
	for _, srv := range s.servers {
		for _, id := range ids {
			if srv.ID == id {
				pool = append(pool, srv)
				break
			}
		}
	}
	return pool
}

// activateLocked switches the active endpoint, counting the switch as a
// failover when it supersedes an endpoint in the same candidate pool. A
// selection from a pool that never contained the active endpoint leaves it
// alone so unrelated streams do not steal it. Must be called with s.mu held.
func (s *Supervisor) activateLocked(id string, poolHasActive bool) {
	switch {
	case s.active == "":
		s.active = id
	case s.active == id:
	case poolHasActive:
		s.failovers++
		s.lastFailover = time.Now()
		s.log.Warn("failing over", "from", s.active, "to", id)
		s.active = id
	}
}

// FailoverTo is the operator override: it switches the active endpoint,
// marks it healthy and resets its breaker so the next dial proceeds
// regardless of prior circuit state. Every subsequent selection whose
// candidate pool contains the endpoint lands on it until it fails.
func (s *Supervisor) FailoverTo(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, srv := range s.servers {
		if srv.ID == id {
			prev := s.active
			s.active = id
			s.failovers++
			s.lastFailover = time.Now()
			srv.Healthy = true
			if cb, ok := s.breakers[id]; ok {
				cb.RecordSuccess()
			}
			s.log.Warn("failing over", "from", prev, "to", id)
			return nil
		}
	}
	return shared.ErrServerNotFound
}

// RecordSuccess marks an endpoint healthy, folds the dial latency into its
// rolling average and closes its breaker. A zero latency updates health
// without touching the average.
func (s *Supervisor) RecordSuccess(id string, latency time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, srv := range s.servers {
		if srv.ID == id {
			srv.Healthy = true
			srv.Failures = 0
			srv.Successes++
			srv.LastError = ""
			srv.LastSeen = time.Now()
			if latency > 0 {
				if srv.AvgLatency == 0 {
					srv.AvgLatency = latency
				} else {
					srv.AvgLatency = time.Duration(float64(srv.AvgLatency)*0.8 + float64(latency)*0.2)
				}
			}
			break
		}
	}
	if cb, ok := s.breakers[id]; ok {
		cb.RecordSuccess()
	}
}

// RecordFailure counts a failure against an endpoint. The endpoint is
// marked unhealthy once its breaker opens.
func (s *Supervisor) RecordFailure(id string, cause error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cb, ok := s.breakers[id]
	if !ok {
		return
	}
	cb.RecordFailure()
	for _, srv := range s.servers {
		if srv.ID == id {
			srv.Failures++
			if cause != nil {
				srv.LastError = cause.Error()
			}
			if cb.State() == BreakerOpen {
				srv.Healthy = false
				s.log.Warn("server unhealthy", "server_id", id, "failures", srv.Failures)
			}
			break
		}
	}
}

func (s *Supervisor) Breaker(id string) *CircuitBreaker {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.breakers[id]
}

func (s *Supervisor) Servers() []ServerEndpoint {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ServerEndpoint, 0, len(s.servers))
	for _, srv := range s.servers {
		out = append(out, *srv)
	}
	return out
}

func (s *Supervisor) Health() SystemHealth {
	s.mu.RLock()
	defer s.mu.RUnlock()

	h := SystemHealth{
		TotalServers:    len(s.servers),
		ActiveServer:    s.active,
		Failovers:       s.failovers,
		LastFailover:    s.lastFailover,
		ReconnectPolicy: s.policyName,
	}
	var latencySum time.Duration
	var latencyCount int
	var rateSum float64
	for _, srv := range s.servers {
		switch {
		case srv.Healthy && srv.Failures == 0:
			h.HealthyServers++
		case srv.Healthy:
			h.HealthyServers++
			h.DegradedServers++
		default:
			h.FailedServers++
		}
		if srv.AvgLatency > 0 {
			latencySum += srv.AvgLatency
			latencyCount++
		}
		rateSum += srv.SuccessRate()
	}
	if latencyCount > 0 {
		h.AvgLatencyMs = (latencySum / time.Duration(latencyCount)).Milliseconds()
	}
	if len(s.servers) > 0 {
		h.AvgSuccessRate = rateSum / float64(len(s.servers))
	}
	for _, cb := range s.breakers {
		if cb.State() == BreakerOpen {
			h.OpenBreakers++
		}
	}
	h.Healthy = h.HealthyServers > 0
	return h
}

func (s *Supervisor) snapshotLocked(srv *ServerEndpoint) *ServerEndpoint {
	cp := *srv
	return &cp
}
