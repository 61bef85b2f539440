// Package auth classifies requests against a route's auth policy and
// validates bearer tokens by delegating to the user service. Tokens are
// opaque to the gateway; it never parses them.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Policy is a route's authentication requirement.
type Policy int

const (
	PolicyNone Policy = iota
	PolicyOptional
	PolicyRequired
)

func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "none":
		return PolicyNone, nil
	case "optional":
		return PolicyOptional, nil
	case "required":
		return PolicyRequired, nil
	}
	return PolicyNone, fmt.Errorf("unknown auth policy %q", s)
}

// User is the authenticated caller. Lifetime is one request; never cached.
type User struct {
	ID          string
	Email       string
	Roles       []string
	Permissions []string
}

// Validator turns a bearer token into a User or fails.
type Validator interface {
	Validate(ctx context.Context, token string) (*User, error)
}

// ErrInvalidToken is returned for every validation failure. One error for
// malformed headers, rejected tokens and upstream trouble alike, so the
// response shape never reveals which it was.
var ErrInvalidToken = errors.New("invalid or missing credentials")

// Client validates tokens against the user service's profile endpoint.
type Client struct {
	httpc   *http.Client
	baseURL string
	timeout time.Duration
}

func NewClient(transport http.RoundTripper, baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		httpc:   &http.Client{Transport: transport},
		baseURL: strings.TrimRight(baseURL, "/"),
		timeout: timeout,
	}
}

type profileResponse struct {
	ID          string   `json:"id"`
	UserID      string   `json:"userId"`
	Email       string   `json:"email"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
}

// Validate issues an authenticated GET /api/profile. Any non-200, network
// error or timeout maps to ErrInvalidToken.
func (c *Client) Validate(ctx context.Context, token string) (*User, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/profile", nil)
	if err != nil {
		return nil, ErrInvalidToken
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, ErrInvalidToken
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, ErrInvalidToken
	}

	var p profileResponse
	if err := json.NewDecoder(resp.Body).Decode(&p); err != nil {
		return nil, ErrInvalidToken
	}
	id := p.ID
	if id == "" {
		id = p.UserID
	}
	if id == "" {
		return nil, ErrInvalidToken
	}
	return &User{
		ID:          id,
		Email:       p.Email,
		Roles:       p.Roles,
		Permissions: p.Permissions,
	}, nil
}

// BearerToken extracts the token from an Authorization header. ok is false
// when no header is present; a present but malformed header returns
// ok=true with an empty token so callers can reject it.
func BearerToken(header string) (token string, ok bool) {
	if header == "" {
		return "", false
	}
	if !strings.HasPrefix(header, "Bearer ") {
		return "", true
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer ")), true
}

// Check applies the route policy to the request. It returns the user when
// one was authenticated, nil when the route allows anonymous access, and
// ErrInvalidToken when the policy rejects the request. An optional-auth
// route fails on a present-but-bad header rather than silently degrading.
func Check(ctx context.Context, authorization string, pol Policy, v Validator) (*User, error) {
	if pol == PolicyNone {
		return nil, nil
	}

	token, present := BearerToken(authorization)
	if !present {
		if pol == PolicyRequired {
			return nil, ErrInvalidToken
		}
		return nil, nil
	}
	if token == "" {
		return nil, ErrInvalidToken
	}
	return v.Validate(ctx, token)
}

// IdentityHeaders returns the headers the forwarder injects for the
// upstream in place of the stripped Authorization header.
func IdentityHeaders(u *User) http.Header {
	if u == nil {
		return nil
	}
	h := http.Header{}
	h.Set("X-User-Id", u.ID)
	if u.Email != "" {
		h.Set("X-User-Email", u.Email)
	}
	if len(u.Roles) > 0 {
		h.Set("X-User-Roles", strings.Join(u.Roles, ","))
	}
	return h
}
