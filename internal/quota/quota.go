// Package quota implements per-identity, per-day usage accounting.
//
// CheckLimit reads today's counter and fails open: if the store cannot be
// read the check passes and a warning is logged. This keeps generation
// available during store outages at the cost of possibly exceeding the
// daily limit; it is a known trade-off.
//
// IncrementUsage prefers the store's atomic increment-if-under-limit
// primitive. When the store does not offer it, it falls back to a
// read-then-write sequence guarded by optimistic concurrency: the update is
// filtered by the row's own id and the count that was read, so a concurrent
// writer turns the write into a no-op that is detected and retried after a
// growing, randomized delay. Every lost update means another writer's update
// landed, so lost updates are retried until the MaxElapsed window closes
// rather than against a fixed budget. A concurrent first-of-the-day create
// surfaces as a uniqueness conflict and is bounded by MaxAttempts.
package quota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tbourn/go-tryon-backend/internal/config"
	"github.com/tbourn/go-tryon-backend/internal/domain"
	"github.com/tbourn/go-tryon-backend/internal/repo"
)

// DayLayout formats the calendar day key of a counter (UTC).
const DayLayout = "2006-01-02"

var (
	// ErrLimitReached is returned by IncrementUsage when the atomic primitive
	// refused the increment because the limit was already reached.
	ErrLimitReached = errors.New("quota: daily limit reached")

	// ErrIncrementFailed matches every *IncrementError.
	ErrIncrementFailed = errors.New("quota: increment failed")

	// errConflict marks a lost optimistic write; it is retried.
	errConflict = errors.New("quota: concurrent write conflict")

	// errCreateConflict is a lost first-of-the-day create.
	errCreateConflict = fmt.Errorf("%w on create", errConflict)
)

const (
	// DefaultMaxElapsed bounds update retries when none is configured.
	DefaultMaxElapsed = 10 * time.Second

	maxRetryInterval = 2 * time.Second
)

// IncrementError reports an increment that could not be recorded.
type IncrementError struct {
	Attempts int
	Err      error
}

func (e *IncrementError) Error() string {
	return fmt.Sprintf("quota: increment failed after %d attempt(s): %v", e.Attempts, e.Err)
}

// Unwrap exposes both ErrIncrementFailed and the cause.
func (e *IncrementError) Unwrap() []error { return []error{ErrIncrementFailed, e.Err} }

// Usage is a snapshot of an identity's counter for one day.
type Usage struct {
	Identity  string `json:"user_id"`
	Day       string `json:"date"`
	Count     int    `json:"count"`
	Limit     int    `json:"limit"`
	Remaining int    `json:"remaining"`
}

var increments = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "quota_increments_total",
		Help: "Usage increments by path (atomic, fallback) and outcome.",
	},
	[]string{"path", "outcome"},
)

func init() {
	prometheus.MustRegister(increments)
}

// Service is the quota accounting service.
type Service struct {
	Store       repo.Store
	Limit       int
	MaxAttempts int
	Backoff     time.Duration
	MaxElapsed  time.Duration
	Log         zerolog.Logger

	// Now returns the current time; nil means time.Now.
	Now func() time.Time
}

// NewService builds a Service from configuration.
func NewService(store repo.Store, cfg config.QuotaConfig, log zerolog.Logger) *Service {
	return &Service{
		Store:       store,
		Limit:       cfg.DailyLimit,
		MaxAttempts: cfg.MaxAttempts,
		Backoff:     cfg.Backoff,
		MaxElapsed:  cfg.MaxElapsed,
		Log:         log.With().Str("component", "quota").Logger(),
	}
}

// Day returns the counter key for t.
func Day(t time.Time) string { return t.UTC().Format(DayLayout) }

func (s *Service) today() string {
	if s.Now != nil {
		return Day(s.Now())
	}
	return Day(time.Now())
}

// CheckLimit reports whether identity may run another generation today.
// A missing counter counts as zero. Read failures fail open.
func (s *Service) CheckLimit(ctx context.Context, identity string) bool {
	ctx, span := otel.Tracer("quota").Start(ctx, "CheckLimit",
		trace.WithAttributes(attribute.String("user.id", identity)))
	defer span.End()

	day := s.today()
	row, _, err := s.current(ctx, identity, day)
	if err != nil {
		s.Log.Warn().Err(err).Str("user_id", identity).Str("date", day).
			Msg("usage read failed; allowing request (fail-open)")
		span.SetAttributes(attribute.Bool("quota.fail_open", true))
		return true
	}
	span.SetAttributes(attribute.Int("quota.count", row.Count), attribute.Int("quota.limit", s.Limit))
	return row.Count < s.Limit
}

// Usage returns today's counter for identity. Unlike CheckLimit it reports
// read errors.
func (s *Service) Usage(ctx context.Context, identity string) (Usage, error) {
	day := s.today()
	row, _, err := s.current(ctx, identity, day)
	if err != nil {
		return Usage{}, err
	}
	return Usage{
		Identity:  identity,
		Day:       day,
		Count:     row.Count,
		Limit:     s.Limit,
		Remaining: max(0, s.Limit-row.Count),
	}, nil
}

// IncrementUsage records one generation for identity today.
//
// Errors: ErrLimitReached when the atomic primitive refuses; *IncrementError
// (matching ErrIncrementFailed) when the increment could not be recorded.
func (s *Service) IncrementUsage(ctx context.Context, identity string) error {
	ctx, span := otel.Tracer("quota").Start(ctx, "IncrementUsage",
		trace.WithAttributes(attribute.String("user.id", identity)))
	defer span.End()

	day := s.today()

	if inc, ok := s.Store.(repo.AtomicIncrementer); ok {
		res, err := inc.IncrementIfUnderLimit(ctx, identity, day, s.Limit)
		switch {
		case err == nil && res.Allowed:
			increments.WithLabelValues("atomic", "ok").Inc()
			span.SetAttributes(attribute.Int("quota.count", res.Count))
			return nil
		case err == nil:
			increments.WithLabelValues("atomic", "limit").Inc()
			span.SetAttributes(attribute.Int("quota.count", res.Count))
			return ErrLimitReached
		case errors.Is(err, repo.ErrCapabilityNotFound):
			s.Log.Debug().Str("user_id", identity).Msg("atomic increment unavailable; using fallback")
		default:
			increments.WithLabelValues("atomic", "error").Inc()
			span.RecordError(err)
			span.SetStatus(codes.Error, "atomic increment failed")
			return &IncrementError{Attempts: 1, Err: err}
		}
	}

	attempts, err := s.fallback(ctx, identity, day)
	span.SetAttributes(attribute.Int("quota.attempts", attempts))
	if err != nil {
		outcome := "error"
		if errors.Is(err, errConflict) {
			outcome = "conflict"
		}
		increments.WithLabelValues("fallback", outcome).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "fallback increment failed")
		return &IncrementError{Attempts: attempts, Err: err}
	}
	increments.WithLabelValues("fallback", "ok").Inc()
	return nil
}

// retryBackOff grows the delay by half per retry with ±50% jitter so that
// writers that lost the same round do not retry in lockstep.
func (s *Service) retryBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.Backoff
	if b.InitialInterval <= 0 {
		b.InitialInterval = time.Millisecond
	}
	b.RandomizationFactor = 0.5
	b.Multiplier = 1.5
	b.MaxInterval = maxRetryInterval
	return b
}

func (s *Service) fallback(ctx context.Context, identity, day string) (int, error) {
	maxCreates := s.MaxAttempts
	if maxCreates <= 0 {
		maxCreates = 1
	}
	window := s.MaxElapsed
	if window <= 0 {
		window = DefaultMaxElapsed
	}
	attempts, creates := 0, 0

	op := func() (struct{}, error) {
		attempts++
		err := s.incrementOnce(ctx, identity, day)
		switch {
		case err == nil:
			return struct{}{}, nil
		case errors.Is(err, errCreateConflict):
			creates++
			if creates >= maxCreates {
				return struct{}{}, backoff.Permanent(err)
			}
			return struct{}{}, err
		case errors.Is(err, errConflict):
			return struct{}{}, err
		}
		return struct{}{}, backoff.Permanent(err)
	}

	_, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(s.retryBackOff()),
		backoff.WithMaxElapsedTime(window),
		backoff.WithNotify(func(err error, d time.Duration) {
			s.Log.Debug().Err(err).Str("user_id", identity).Dur("backoff", d).Msg("usage write conflict; retrying")
		}),
	)
	return attempts, err
}

// incrementOnce performs one read-then-write. It returns errConflict when a
// concurrent writer got there first.
func (s *Service) incrementOnce(ctx context.Context, identity, day string) error {
	row, found, err := s.current(ctx, identity, day)
	if err != nil {
		return fmt.Errorf("read usage: %w", err)
	}

	if found {
		rows, err := s.Store.Update(ctx, domain.CollectionUsage,
			repo.Row{"count": row.Count + 1},
			repo.Filter{"id": row.ID, "count": row.Count},
		)
		if errors.Is(err, repo.ErrDuplicate) {
			return errConflict
		}
		if err != nil {
			return fmt.Errorf("update usage: %w", err)
		}
		if len(rows) == 0 {
			return errConflict
		}
		return nil
	}

	_, err = s.Store.Create(ctx, domain.CollectionUsage, repo.Row{
		"user_id": identity,
		"date":    day,
		"count":   1,
	})
	if errors.Is(err, repo.ErrDuplicate) {
		return errCreateConflict
	}
	if err != nil {
		return fmt.Errorf("create usage: %w", err)
	}
	return nil
}

// counter is the part of a usage row the service needs. The id is kept as
// decoded so it can be echoed back in filters whatever its store type.
type counter struct {
	ID    any `json:"id"`
	Count int `json:"count"`
}

// current returns the authoritative counter for (identity, day). Duplicate
// rows left by a past race resolve to the highest count, ties to the lowest
// id. found is false when no row exists.
func (s *Service) current(ctx context.Context, identity, day string) (counter, bool, error) {
	rows, err := s.Store.Select(ctx, domain.CollectionUsage, repo.Filter{"user_id": identity, "date": day})
	if err != nil {
		return counter{}, false, err
	}
	counters, err := repo.DecodeAll[counter](rows)
	if err != nil {
		return counter{}, false, err
	}
	if len(counters) == 0 {
		return counter{}, false, nil
	}
	best := counters[0]
	for _, c := range counters[1:] {
		if c.Count > best.Count || (c.Count == best.Count && repo.CompareIDs(c.ID, best.ID) < 0) {
			best = c
		}
	}
	if len(counters) > 1 {
		s.Log.Warn().Str("user_id", identity).Str("date", day).Int("rows", len(counters)).
			Msg("duplicate usage rows; using highest count")
	}
	return best, true, nil
}
