// Package probe exercises a gateway built from the local configuration
// against a live backend, one synthetic request at a time.
package probe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/sandeepkv93/session-auth-gateway/internal/config"
	"github.com/sandeepkv93/session-auth-gateway/internal/cookiestore"
	"github.com/sandeepkv93/session-auth-gateway/internal/devbackend"
	"github.com/sandeepkv93/session-auth-gateway/internal/domain"
	"github.com/sandeepkv93/session-auth-gateway/internal/gateway"
	"github.com/sandeepkv93/session-auth-gateway/internal/security"
	"github.com/sandeepkv93/session-auth-gateway/internal/tokenclient"
	"github.com/sandeepkv93/session-auth-gateway/internal/tools/common"
	"github.com/sandeepkv93/session-auth-gateway/internal/tools/ui"
)

type options struct {
	backendURL string
	timeout    time.Duration
	ci         bool
}

type evaluateOptions struct {
	path       string
	access     string
	refresh    string
	recentTeam string
}

type raceOptions struct {
	userID      string
	idpSecret   string
	path        string
	concurrency int
}

func NewCommand() *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{Use: "probe", Short: "Run synthetic requests through the gateway state machine"}
	cmd.PersistentFlags().StringVar(&opts.backendURL, "backend-url", "", "backend base URL (defaults to BACKEND_URL)")
	cmd.PersistentFlags().DurationVar(&opts.timeout, "timeout", time.Minute, "overall probe timeout")
	cmd.PersistentFlags().BoolVar(&opts.ci, "ci", false, "non-interactive machine-readable output")
	cmd.AddCommand(newEvaluateCommand(opts), newRaceCommand(opts))
	return cmd
}

func newEvaluateCommand(opts *options) *cobra.Command {
	eo := &evaluateOptions{}
	cmd := &cobra.Command{
		Use:   "evaluate",
		Short: "Evaluate one request and print the state trace",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, tokens, err := setup(opts)
			if err != nil {
				return err
			}
			logger := slog.New(slog.DiscardHandler)
			coord := gateway.NewCoordinator(tokens, gateway.CoordinatorOptions{
				Mode:              cfg.RefreshCoordination,
				Store:             gateway.NewInMemoryRotationStore(),
				GraceWindow:       cfg.RefreshGraceWindow,
				FingerprintSecret: cfg.TokenFingerprintSecret,
				Logger:            logger,
			})
			gw := gateway.New(gateway.OptionsFromConfig(cfg), tokens, coord, logger)
			jar := cookiestore.Jar{AccessToken: eo.access, RefreshToken: eo.refresh, RecentTeam: eo.recentTeam}
			return report(opts, "probe evaluate", func(ctx context.Context) ([]string, error) {
				return runEvaluate(ctx, gw, eo.path, jar)
			})
		},
	}
	cmd.Flags().StringVar(&eo.path, "path", "/teams", "request path, with optional query")
	cmd.Flags().StringVar(&eo.access, "access", "", "access cookie value")
	cmd.Flags().StringVar(&eo.refresh, "refresh", "", "refresh cookie value")
	cmd.Flags().StringVar(&eo.recentTeam, "recent-team", "", "recent-team cookie value")
	return cmd
}

func newRaceCommand(opts *options) *cobra.Command {
	ro := &raceOptions{}
	cmd := &cobra.Command{
		Use:   "race",
		Short: "Refresh one session from concurrent requests under both coordination modes",
		Long: "Issues a session through the reference backend, then sends concurrent requests that\n" +
			"carry only the refresh cookie. Uncoordinated refreshes log all but one request out;\n" +
			"singleflight refreshes share one rotation.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, tokens, err := setup(opts)
			if err != nil {
				return err
			}
			if ro.idpSecret == "" {
				ro.idpSecret = cfg.DevBackendIDPSecret
			}
			if ro.idpSecret == "" {
				return errors.New("probe race: --idp-secret or DEVBACKEND_IDP_SECRET is required")
			}
			return report(opts, "probe race", func(ctx context.Context) ([]string, error) {
				var details []string
				for _, mode := range []string{config.CoordinationUncoordinated, config.CoordinationSingleFlight} {
					rep, err := runRace(ctx, tokens, gateway.OptionsFromConfig(cfg), mode, *ro)
					if err != nil {
						return details, err
					}
					details = append(details, rep.String())
				}
				return details, nil
			})
		},
	}
	cmd.Flags().StringVar(&ro.userID, "user", "probe-user", "user id to issue the session for")
	cmd.Flags().StringVar(&ro.idpSecret, "idp-secret", "", "reference backend IDP secret (defaults to DEVBACKEND_IDP_SECRET)")
	cmd.Flags().StringVar(&ro.path, "path", "/settings", "protected path to request")
	cmd.Flags().IntVar(&ro.concurrency, "concurrency", 2, "concurrent requests sharing the refresh token")
	return cmd
}

func setup(opts *options) (*config.Config, *tokenclient.Client, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	if opts.backendURL != "" {
		cfg.BackendURL = opts.backendURL
	}
	tokens, err := tokenclient.New(tokenclient.Options{
		BaseURL:        cfg.BackendURL,
		Timeout:        cfg.BackendTimeout,
		TeamSlugHeader: cfg.TeamSlugHeader,
	})
	if err != nil {
		return nil, nil, err
	}
	return cfg, tokens, nil
}

func report(opts *options, title string, fn func(context.Context) ([]string, error)) error {
	var (
		details []string
		err     error
	)
	if opts.ci {
		ctx, cancel := context.WithTimeout(context.Background(), opts.timeout)
		details, err = fn(ctx)
		cancel()
		common.PrintCIResult(err == nil, title, details, err)
	} else {
		details, err = ui.Run(title, func(ctx context.Context) ([]string, error) {
			ctx, cancel := context.WithTimeout(ctx, opts.timeout)
			defer cancel()
			return fn(ctx)
		})
	}
	if err != nil {
		os.Exit(4)
	}
	return nil
}

func runEvaluate(ctx context.Context, gw *gateway.Gateway, target string, jar cookiestore.Jar) ([]string, error) {
	if !strings.HasPrefix(target, "/") {
		return nil, fmt.Errorf("path must start with /: %q", target)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://probe.local"+target, nil)
	if err != nil {
		return nil, err
	}
	addCookie(req, cookiestore.AccessCookie, jar.AccessToken)
	addCookie(req, cookiestore.RefreshCookie, jar.RefreshToken)
	addCookie(req, cookiestore.RecentTeamCookie, jar.RecentTeam)

	d := gw.Evaluate(req)
	details := []string{
		"route=" + d.Route.String(),
		"state=" + d.State.String(),
		"trace=" + d.TraceString(),
	}
	if d.Target != "" {
		details = append(details, "target="+d.Target)
	}
	if d.Reason != "" {
		details = append(details, "reason="+d.Reason)
	}
	if d.TeamSlug != "" {
		details = append(details, "team_slug="+d.TeamSlug)
	}
	if d.Cause != nil {
		details = append(details, "cause="+d.Cause.Error())
	}
	if jar.AccessToken != "" {
		if exp, err := security.PeekExpiry(jar.AccessToken); err == nil {
			details = append(details, "access_expires_at="+exp.UTC().Format(time.RFC3339))
		}
	}
	if d.Mutations != nil && !d.Mutations.Empty() {
		names := make([]string, 0, 3)
		for _, c := range d.Mutations.Cookies() {
			if c.MaxAge < 0 {
				names = append(names, c.Name+"(deleted)")
				continue
			}
			names = append(names, c.Name)
		}
		details = append(details, "set_cookie="+strings.Join(names, ","))
	}
	return details, nil
}

type raceReport struct {
	Mode       string
	Passed     int
	ForcedOut  int
	Redirected int
}

func (r raceReport) String() string {
	return fmt.Sprintf("%s: pass=%d forced_logout=%d other_redirect=%d", r.Mode, r.Passed, r.ForcedOut, r.Redirected)
}

func runRace(ctx context.Context, tokens *tokenclient.Client, gwOpts gateway.Options, mode string, ro raceOptions) (raceReport, error) {
	if ro.concurrency < 2 {
		return raceReport{}, errors.New("concurrency must be at least 2")
	}
	idp, err := devbackend.SignHandshake(ro.idpSecret, ro.userID, time.Minute)
	if err != nil {
		return raceReport{}, err
	}
	session, err := tokens.Issue(ctx, domain.IdpHandshake{UserID: ro.userID, IdpJWT: idp})
	if err != nil {
		return raceReport{}, fmt.Errorf("issue session: %w", err)
	}

	logger := slog.New(slog.DiscardHandler)
	coord := gateway.NewCoordinator(tokens, gateway.CoordinatorOptions{
		Mode:        mode,
		Store:       gateway.NewInMemoryRotationStore(),
		GraceWindow: 10 * time.Second,
		Logger:      logger,
	})
	gw := gateway.New(gwOpts, tokens, coord, logger)

	decisions := make([]gateway.Decision, ro.concurrency)
	start := make(chan struct{})
	var g errgroup.Group
	for i := range ro.concurrency {
		g.Go(func() error {
			<-start
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://probe.local"+ro.path, nil)
			if err != nil {
				return err
			}
			addCookie(req, cookiestore.RefreshCookie, session.RefreshToken)
			decisions[i] = gw.Evaluate(req)
			return nil
		})
	}
	close(start)
	if err := g.Wait(); err != nil {
		return raceReport{}, err
	}

	rep := raceReport{Mode: mode}
	for _, d := range decisions {
		switch {
		case d.State == gateway.StatePass:
			rep.Passed++
		case d.ForcedLogout():
			rep.ForcedOut++
		default:
			rep.Redirected++
		}
	}
	return rep, nil
}

func addCookie(r *http.Request, name, value string) {
	if value != "" {
		r.AddCookie(&http.Cookie{Name: name, Value: value})
	}
}
