package gateway

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/sandeepkv93/session-auth-gateway/internal/config"
	"github.com/sandeepkv93/session-auth-gateway/internal/cookiestore"
	"github.com/sandeepkv93/session-auth-gateway/internal/domain"
	"github.com/sandeepkv93/session-auth-gateway/internal/observability"
	"github.com/sandeepkv93/session-auth-gateway/internal/security"
)

type RefreshResult int

const (
	Repaired RefreshResult = iota + 1
	NoRefreshToken
	BackendRejected
)

func (r RefreshResult) String() string {
	switch r {
	case Repaired:
		return "repaired"
	case NoRefreshToken:
		return "no_refresh_token"
	case BackendRejected:
		return "backend_rejected"
	default:
		return "unknown"
	}
}

type RefreshOutcome struct {
	Result  RefreshResult
	Session domain.Session
	// Err is the backend failure behind BackendRejected.
	Err error
	// Shared is set when the session came from a concurrent refresh of the
	// same token instead of this request's own backend call.
	Shared bool
}

// Refresher is the slice of the token service the coordinator depends on.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (domain.Session, error)
}

type CoordinatorOptions struct {
	Mode              string
	Store             RotationStore
	GraceWindow       time.Duration
	FingerprintSecret string
	Logger            *slog.Logger
}

// Coordinator makes at most one refresh attempt per request. In the
// uncoordinated mode two requests racing on one refresh token each call the
// backend, and the loser sees its token as already consumed.
type Coordinator struct {
	tokens Refresher
	mode   string
	store  RotationStore
	grace  time.Duration
	secret string
	logger *slog.Logger
	group  singleflight.Group
}

func NewCoordinator(tokens Refresher, opts CoordinatorOptions) *Coordinator {
	mode := opts.Mode
	if mode == "" {
		mode = config.CoordinationUncoordinated
	}
	store := opts.Store
	if store == nil {
		store = NewNoopRotationStore()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		tokens: tokens,
		mode:   mode,
		store:  store,
		grace:  opts.GraceWindow,
		secret: opts.FingerprintSecret,
		logger: logger,
	}
}

func (c *Coordinator) Mode() string { return c.mode }

// AttemptRefresh exchanges the jar's refresh token for a new session. On
// success the session is queued on muts before returning.
func (c *Coordinator) AttemptRefresh(ctx context.Context, jar cookiestore.Jar, muts *cookiestore.Mutations) RefreshOutcome {
	ctx, span := observability.StartSpan(ctx, "gateway.refresh")
	defer span.End()

	if jar.RefreshToken == "" {
		observability.RecordRefreshOutcome(ctx, NoRefreshToken.String(), c.mode)
		return RefreshOutcome{Result: NoRefreshToken}
	}

	var out RefreshOutcome
	if c.mode == config.CoordinationSingleFlight {
		out = c.coordinated(ctx, jar.RefreshToken)
	} else {
		out = c.direct(ctx, jar.RefreshToken)
	}
	if out.Result == Repaired {
		muts.Write(out.Session)
	}
	observability.RecordRefreshOutcome(ctx, out.Result.String(), c.mode)
	return out
}

func (c *Coordinator) direct(ctx context.Context, refreshToken string) RefreshOutcome {
	session, err := c.tokens.Refresh(ctx, refreshToken)
	if err != nil {
		return RefreshOutcome{Result: BackendRejected, Err: err}
	}
	return RefreshOutcome{Result: Repaired, Session: session}
}

func (c *Coordinator) coordinated(ctx context.Context, refreshToken string) RefreshOutcome {
	key := security.FingerprintRefreshToken(refreshToken, c.secret)
	backend := c.store.Backend()

	if session, ok := c.lookup(ctx, key, backend); ok {
		return RefreshOutcome{Result: Repaired, Session: session, Shared: true}
	}

	v, err, shared := c.group.Do(key, func() (any, error) {
		// detached so one caller's cancellation does not fail the others
		callCtx := context.WithoutCancel(ctx)
		session, err := c.tokens.Refresh(callCtx, refreshToken)
		if err != nil {
			return domain.Session{}, err
		}
		if err := c.store.Remember(callCtx, key, session, c.grace); err != nil {
			observability.RecordRotationStoreEvent(ctx, backend, "write_error")
			c.logger.Warn("rotation store write failed", "backend", backend, "error", err)
		}
		return session, nil
	})
	if err != nil {
		// a peer instance may have rotated this token a moment ago
		if session, ok := c.lookup(ctx, key, backend); ok {
			return RefreshOutcome{Result: Repaired, Session: session, Shared: true}
		}
		return RefreshOutcome{Result: BackendRejected, Err: err}
	}
	return RefreshOutcome{Result: Repaired, Session: v.(domain.Session), Shared: shared}
}

func (c *Coordinator) lookup(ctx context.Context, key, backend string) (domain.Session, bool) {
	session, ok, err := c.store.Lookup(ctx, key)
	if err != nil {
		observability.RecordRotationStoreEvent(ctx, backend, "read_error")
		c.logger.Warn("rotation store read failed", "backend", backend, "error", err)
		return domain.Session{}, false
	}
	if !ok || session.Validate() != nil || !session.AccessExpiry().After(time.Now()) {
		observability.RecordRotationStoreEvent(ctx, backend, "miss")
		return domain.Session{}, false
	}
	observability.RecordRotationStoreEvent(ctx, backend, "hit")
	return session, true
}
