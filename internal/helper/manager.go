// Package helper manages the privileged helper context ("offscreen"
// endpoint) that performs binary work the calling contexts cannot: fetching
// image bytes and re-encoding them.
//
// Manager guarantees the helper exists before use. Checking for the helper
// and creating it are not atomic, so concurrent creators may race; a
// provisioning failure that only says "already exists" is success, because
// the postcondition callers need is "at least one instance exists".
package helper

import (
	"context"
	"errors"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/tbourn/go-tryon-backend/internal/bus"
)

// ErrAlreadyExists is the provisioning outcome "another caller created it".
var ErrAlreadyExists = errors.New("helper: already exists")

// State is the manager's view of the helper.
type State int

const (
	StateUnknown State = iota
	StateEnsuring
	StateReady
)

func (s State) String() string {
	switch s {
	case StateEnsuring:
		return "ensuring"
	case StateReady:
		return "ready"
	default:
		return "unknown"
	}
}

// ProvisionFunc creates the helper. It may fail with ErrAlreadyExists (or
// bus.ErrEndpointExists) when another caller won the race.
type ProvisionFunc func(ctx context.Context) error

var provisions = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "helper_provisions_total",
		Help: "Helper provisioning attempts by outcome.",
	},
	[]string{"outcome"},
)

func init() {
	prometheus.MustRegister(provisions)
}

// Manager lazily and idempotently provisions the helper.
type Manager struct {
	provision ProvisionFunc
	log       zerolog.Logger

	group singleflight.Group
	mu    sync.Mutex
	state State
}

// NewManager returns a manager in StateUnknown.
func NewManager(provision ProvisionFunc, log zerolog.Logger) *Manager {
	return &Manager{
		provision: provision,
		log:       log.With().Str("component", "helper_manager").Logger(),
	}
}

// State reports the current state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

// Ensure makes sure the helper exists. Concurrent calls share one
// provisioning attempt. An "already exists" outcome is success; any other
// provisioning error is returned and the state reverts to unknown so a later
// call tries again. Cancelling ctx abandons the wait, not the attempt.
func (m *Manager) Ensure(ctx context.Context) error {
	if m.State() == StateReady {
		return nil
	}

	ch := m.group.DoChan("ensure", func() (any, error) {
		m.setState(StateEnsuring)
		err := m.provision(context.WithoutCancel(ctx))
		switch {
		case err == nil:
			provisions.WithLabelValues("created").Inc()
			m.log.Debug().Msg("helper provisioned")
		case IsAlreadyExists(err):
			provisions.WithLabelValues("already_exists").Inc()
			m.log.Debug().Err(err).Msg("helper already exists")
		default:
			provisions.WithLabelValues("error").Inc()
			m.setState(StateUnknown)
			return nil, err
		}
		m.setState(StateReady)
		return nil, nil
	})

	select {
	case r := <-ch:
		return r.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Invalidate forgets that the helper exists, e.g. after it was reported
// unreachable. The next Ensure provisions again.
func (m *Manager) Invalidate() {
	m.mu.Lock()
	if m.state == StateReady {
		m.state = StateUnknown
	}
	m.mu.Unlock()
}

// IsAlreadyExists reports whether err means the helper already exists.
func IsAlreadyExists(err error) bool {
	return errors.Is(err, ErrAlreadyExists) || errors.Is(err, bus.ErrEndpointExists)
}
