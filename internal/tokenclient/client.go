// Package tokenclient talks to the backend session API. Every method is a
// single HTTP call: no retries and no interpretation beyond decoding the
// backend's error code.
package tokenclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/oauth2"

	"github.com/sandeepkv93/session-auth-gateway/internal/domain"
	"github.com/sandeepkv93/session-auth-gateway/internal/observability"
)

const (
	PathValidate  = "/token/validate"
	PathRefresh   = "/token/refresh"
	PathRevoke    = "/token/revoke"
	PathRevokeAll = "/token/revoke/all"
	PathIssue     = "/token/issue"

	maxErrorBody = 64 << 10
)

var ErrMissingCredential = errors.New("missing credential")

type Options struct {
	BaseURL        string
	Timeout        time.Duration
	TeamSlugHeader string
	// Transport overrides the outbound round tripper. It is wrapped with
	// otelhttp either way.
	Transport http.RoundTripper
}

type Client struct {
	baseURL        *url.URL
	http           *http.Client
	timeout        time.Duration
	teamSlugHeader string
}

func New(opts Options) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(opts.BaseURL, "/"))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("token client: invalid base url %q", opts.BaseURL)
	}
	base := opts.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	header := opts.TeamSlugHeader
	if header == "" {
		header = "X-Team-Slug"
	}
	return &Client{
		baseURL:        u,
		http:           &http.Client{Transport: otelhttp.NewTransport(base)},
		timeout:        opts.Timeout,
		teamSlugHeader: header,
	}, nil
}

type validateResponse struct {
	UserID string `json:"user_id"`
}

type refreshTokenBody struct {
	RefreshToken string `json:"refresh_token"`
}

type issueBody struct {
	UserID string `json:"user_id"`
}

type successResponse struct {
	Success bool `json:"success"`
}

type errorResponse struct {
	Code    domain.ErrorCode `json:"code"`
	Message string           `json:"message"`
}

// Validate asks the backend to introspect the access token. A non-empty team
// slug is forwarded so the backend can check team membership.
func (c *Client) Validate(ctx context.Context, accessToken, teamSlug string) (string, error) {
	if accessToken == "" {
		return "", fmt.Errorf("validate: %w", ErrMissingCredential)
	}
	var out validateResponse
	hdr := http.Header{}
	if teamSlug != "" {
		hdr.Set(c.teamSlugHeader, teamSlug)
	}
	if err := c.do(ctx, "validate", http.MethodGet, PathValidate, accessToken, hdr, nil, &out); err != nil {
		return "", err
	}
	if out.UserID == "" {
		return "", fmt.Errorf("validate: %w: response missing user_id", domain.ErrUnstructured)
	}
	return out.UserID, nil
}

// Issue exchanges an IDP handshake for the first session of a login.
func (c *Client) Issue(ctx context.Context, h domain.IdpHandshake) (domain.Session, error) {
	if !h.Valid() {
		return domain.Session{}, fmt.Errorf("issue: %w", ErrMissingCredential)
	}
	var s domain.Session
	if err := c.do(ctx, "issue", http.MethodPost, PathIssue, h.IdpJWT, nil, issueBody{UserID: h.UserID}, &s); err != nil {
		return domain.Session{}, err
	}
	if err := s.Validate(); err != nil {
		return domain.Session{}, fmt.Errorf("issue: %w", err)
	}
	return s, nil
}

// Refresh trades a refresh token for a new session. The call carries no
// bearer credential: the caller is by definition not authenticated through
// its access token.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (domain.Session, error) {
	if refreshToken == "" {
		return domain.Session{}, fmt.Errorf("refresh: %w", ErrMissingCredential)
	}
	var s domain.Session
	if err := c.do(ctx, "refresh", http.MethodPost, PathRefresh, "", nil, refreshTokenBody{RefreshToken: refreshToken}, &s); err != nil {
		return domain.Session{}, err
	}
	if err := s.Validate(); err != nil {
		return domain.Session{}, fmt.Errorf("refresh: %w", err)
	}
	return s, nil
}

func (c *Client) Revoke(ctx context.Context, refreshToken string) (bool, error) {
	if refreshToken == "" {
		return false, fmt.Errorf("revoke: %w", ErrMissingCredential)
	}
	var out successResponse
	if err := c.do(ctx, "revoke", http.MethodPost, PathRevoke, "", nil, refreshTokenBody{RefreshToken: refreshToken}, &out); err != nil {
		return false, err
	}
	return out.Success, nil
}

// RevokeAll ends every session of the principal behind accessToken.
func (c *Client) RevokeAll(ctx context.Context, accessToken string) (bool, error) {
	if accessToken == "" {
		return false, fmt.Errorf("revoke all: %w", ErrMissingCredential)
	}
	var out successResponse
	if err := c.do(ctx, "revoke_all", http.MethodPost, PathRevokeAll, accessToken, nil, struct{}{}, &out); err != nil {
		return false, err
	}
	return out.Success, nil
}

func (c *Client) do(ctx context.Context, endpoint, method, path, bearer string, hdr http.Header, body, out any) error {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s: encode body: %w", endpoint, err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL.String()+path, reader)
	if err != nil {
		return fmt.Errorf("%s: build request: %w", endpoint, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, vs := range hdr {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	start := time.Now()
	resp, err := c.clientFor(ctx, bearer).Do(req)
	if err != nil {
		observability.RecordTokenClientRequest(ctx, endpoint, "transport_error", time.Since(start).Seconds())
		return fmt.Errorf("%s: %w: %w", endpoint, domain.ErrUnstructured, err)
	}
	defer func() { _ = resp.Body.Close() }()
	observability.RecordTokenClientRequest(ctx, endpoint, strconv.Itoa(resp.StatusCode), time.Since(start).Seconds())

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("%s: %w: decode response: %v", endpoint, domain.ErrUnstructured, err)
		}
		return nil
	}
	return decodeError(endpoint, resp)
}

// clientFor returns a client that attaches bearer as an Authorization
// header, or the plain client when bearer is empty.
func (c *Client) clientFor(ctx context.Context, bearer string) *http.Client {
	if bearer == "" {
		return c.http
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.http)
	return oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: bearer, TokenType: "Bearer"}))
}

func decodeError(endpoint string, resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	var payload errorResponse
	if resp.StatusCode < 500 && json.Unmarshal(raw, &payload) == nil && payload.Code != "" {
		return &domain.SessionError{Status: resp.StatusCode, Code: payload.Code, Message: payload.Message}
	}
	return fmt.Errorf("%s: %w: status %d", endpoint, domain.ErrUnstructured, resp.StatusCode)
}
