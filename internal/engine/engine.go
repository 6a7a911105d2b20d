package engine

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"concursohub/internal/cache"
	"concursohub/internal/config"
	"concursohub/internal/domain"
	"concursohub/internal/events"
)

const tracerName = "concursohub/internal/engine"

// ErrJobRunning is returned when another refresh holds the job lock.
var ErrJobRunning = errors.New("refresh job already running")

// Store is the persistence boundary. repo.Repo (SQLite) and pgstore.Store
// (Postgres) implement it.
type Store interface {
	InsertContest(ctx context.Context, c domain.Contest, evt *domain.Event) error
	UpdateContest(ctx context.Context, c domain.Contest, evt *domain.Event) error
	DeleteContest(ctx context.Context, id string, evt *domain.Event) error
	UpdateContestStatus(ctx context.Context, id string, s domain.Status) error
	GetContest(ctx context.Context, id string) (domain.Contest, error)
	GetContestBySlug(ctx context.Context, slug string) (domain.Contest, error)
	SlugExists(ctx context.Context, slug, excludeID string) (bool, error)
	ListNonTerminalContests(ctx context.Context) ([]domain.Contest, error)
	ListContests(ctx context.Context, f domain.ContestFilters) ([]domain.Contest, error)
	CountContestsByStatus(ctx context.Context) (map[domain.Status]int, error)

	AppendEvent(ctx context.Context, evt domain.Event) error
	ListEvents(ctx context.Context, f domain.EventFilters) ([]domain.Event, error)

	InsertAPIKey(ctx context.Context, key domain.APIKey, evt *domain.Event) error
	GetAPIKeyByHash(ctx context.Context, hash string) (domain.APIKey, error)
	ListAPIKeys(ctx context.Context, actorID string) ([]domain.APIKey, error)
	DeleteAPIKey(ctx context.Context, id string) error

	AcquireJobLock(ctx context.Context, name, owner string, ttl time.Duration) (domain.JobLock, error)
	ReleaseJobLock(ctx context.Context, name, owner string) error
}

type Engine struct {
	Store  Store
	Config *config.Config
	Cache  cache.Invalidator
	Logger *zap.Logger
	Now    func() time.Time
	NewID  func() string
	// Tracer defaults to the global provider's engine tracer.
	Tracer trace.Tracer

	refresh *singleflight.Group
}

func New(store Store, cfg *config.Config) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	return Engine{
		Store:   store,
		Config:  cfg,
		Cache:   cache.Nop(),
		Logger:  zap.NewNop(),
		Now:     time.Now,
		NewID:   func() string { return uuid.NewString() },
		Tracer:  otel.Tracer(tracerName),
		refresh: &singleflight.Group{},
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// today is the current instant in the configured timezone. status.Derive reduces
// it to the local civil date.
func (e Engine) today() time.Time {
	return e.now().In(e.config().Location())
}

func (e Engine) config() *config.Config {
	if e.Config != nil {
		return e.Config
	}
	return config.Default()
}

func (e Engine) stamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e Engine) newID() string {
	if e.NewID != nil {
		return e.NewID()
	}
	return uuid.NewString()
}

func (e Engine) logger() *zap.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return zap.NewNop()
}

func (e Engine) eventWriter() events.Writer {
	return events.Writer{Now: e.now}
}

func (e Engine) startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	tracer := e.Tracer
	if tracer == nil {
		tracer = otel.Tracer(tracerName)
	}
	return tracer.Start(ctx, name)
}

// invalidate tells downstream caches about stale paths. Failures are logged only;
// the write they follow already succeeded.
func (e Engine) invalidate(ctx context.Context, paths []string) {
	if e.Cache == nil || len(paths) == 0 {
		return
	}
	if err := e.Cache.Invalidate(ctx, paths...); err != nil {
		e.logger().Warn("cache invalidation failed", zap.Strings("paths", paths), zap.Error(err))
	}
}

// ValidationError lists rejected input fields by their JSON name.
type ValidationError struct {
	Fields map[string]string
}

func (e ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + ": " + e.Fields[k]
	}
	return "invalid input: " + strings.Join(parts, "; ")
}

func (e *ValidationError) add(field, msg string) {
	if e.Fields == nil {
		e.Fields = map[string]string{}
	}
	e.Fields[field] = msg
}

func (e ValidationError) orNil() error {
	if len(e.Fields) == 0 {
		return nil
	}
	return e
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return f.Name
		}
		return name
	})
	return v
}

func validationError(err error) error {
	if err == nil {
		return nil
	}
	var ves validator.ValidationErrors
	if !errors.As(err, &ves) {
		return fmt.Errorf("validate: %w", err)
	}
	out := ValidationError{}
	for _, fe := range ves {
		msg := fe.Tag()
		if fe.Param() != "" {
			msg += "=" + fe.Param()
		}
		out.add(fe.Field(), msg)
	}
	return out
}
