// Package matcher ranks candidate accounts around a scan location. Providers
// are tried in order; the first that answers wins and every failure falls
// through to the next, so a lookup always yields a (possibly empty) list.
package matcher

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"kit-tracker/internal/calculator"
	"kit-tracker/internal/models"
)

// Provider is one source of candidate accounts.
type Provider interface {
	Name() string
	NearestAccounts(ctx context.Context, origin models.Coordinate, radiusKm float64, limit int) ([]models.Account, error)
}

// Status describes the health of the primary provider and which provider
// served the most recent lookup.
type Status struct {
	Connected     bool       `json:"connected"`
	LastSuccessAt *time.Time `json:"lastSuccessAt"`
	Error         string     `json:"error,omitempty"`
	Source        string     `json:"source,omitempty"`
}

type Matcher struct {
	providers  []Provider
	logger     *zap.Logger
	metrics    *metrics
	radiusKm   float64
	maxResults int
	now        func() time.Time

	mu     sync.RWMutex
	status Status
}

type Option func(*Matcher)

func WithLogger(l *zap.Logger) Option {
	return func(m *Matcher) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithRegisterer registers lookup metrics with reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(m *Matcher) {
		if reg != nil {
			m.metrics.register(reg)
		}
	}
}

// WithDefaults overrides the radius and result cap used when a lookup passes zero.
func WithDefaults(radiusKm float64, maxResults int) Option {
	return func(m *Matcher) {
		if radiusKm > 0 {
			m.radiusKm = radiusKm
		}
		if maxResults > 0 {
			m.maxResults = maxResults
		}
	}
}

// New builds a matcher over providers in priority order.
func New(providers []Provider, opts ...Option) *Matcher {
	m := &Matcher{
		providers:  providers,
		logger:     zap.NewNop(),
		metrics:    newMetrics(),
		radiusKm:   calculator.DefaultRadiusKm,
		maxResults: calculator.DefaultMaxResults,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// FindNearestAccounts returns accounts within radiusKm of location, closest
// first, at most maxResults. Zero values select the matcher defaults.
func (m *Matcher) FindNearestAccounts(ctx context.Context, location models.Coordinate, radiusKm float64, maxResults int) []models.Account {
	if radiusKm <= 0 {
		radiusKm = m.radiusKm
	}
	if maxResults <= 0 {
		maxResults = m.maxResults
	}

	for i, p := range m.providers {
		start := time.Now()
		accounts, err := p.NearestAccounts(ctx, location, radiusKm, maxResults)
		m.metrics.observe(p.Name(), err, time.Since(start))
		m.record(i == 0, p.Name(), err)
		if err != nil {
			m.logger.Warn("account provider failed, falling back",
				zap.String("provider", p.Name()),
				zap.Error(err))
			continue
		}

		ranked := calculator.Rank(location, accounts, radiusKm, maxResults)
		m.logger.Debug("accounts matched",
			zap.String("provider", p.Name()),
			zap.Int("candidates", len(accounts)),
			zap.Int("within_radius", len(ranked)))
		return ranked
	}

	m.logger.Error("no account provider answered")
	return []models.Account{}
}

// Status is a point-in-time snapshot; it never triggers a lookup.
func (m *Matcher) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st := m.status
	if st.LastSuccessAt != nil {
		t := *st.LastSuccessAt
		st.LastSuccessAt = &t
	}
	return st
}

func (m *Matcher) record(primary bool, provider string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		m.status.Source = provider
	}
	if !primary {
		return
	}
	if err != nil {
		m.status.Error = err.Error()
		m.status.Connected = false
		return
	}
	now := m.now()
	m.status.LastSuccessAt = &now
	m.status.Error = ""
	m.status.Connected = true
}
