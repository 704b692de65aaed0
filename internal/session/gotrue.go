package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gofrs/uuid/v5"
)

type httpDoer interface {
	Do(*http.Request) (*http.Response, error)
}

// CookieConfig names the session cookies and the scope rotated cookies are
// written with. Domain should be the shared parent domain so every site sees
// the same session.
type CookieConfig struct {
	AccessName    string
	RefreshName   string
	Domain        string
	Path          string
	Secure        bool
	RefreshMaxAge time.Duration
}

func (c CookieConfig) withDefaults() CookieConfig {
	if c.AccessName == "" {
		c.AccessName = "sb-access-token"
	}
	if c.RefreshName == "" {
		c.RefreshName = "sb-refresh-token"
	}
	if c.Path == "" {
		c.Path = "/"
	}
	if c.RefreshMaxAge <= 0 {
		c.RefreshMaxAge = 30 * 24 * time.Hour
	}
	return c
}

// GoTrueOptions configures a GoTrue client.
type GoTrueOptions struct {
	URL     string
	APIKey  string
	Cookies CookieConfig
	Client  httpDoer
	Timeout time.Duration
}

// GoTrue talks to a GoTrue-compatible auth server. It performs no retries.
type GoTrue struct {
	baseURL string
	apiKey  string
	cookies CookieConfig
	client  httpDoer
}

func NewGoTrue(opts GoTrueOptions) (*GoTrue, error) {
	base := strings.TrimRight(strings.TrimSpace(opts.URL), "/")
	if base == "" {
		return nil, errors.New("session: gotrue url required")
	}
	client := opts.Client
	if client == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	return &GoTrue{
		baseURL: base,
		apiKey:  opts.APIKey,
		cookies: opts.Cookies.withDefaults(),
		client:  client,
	}, nil
}

type gotrueUser struct {
	ID          string         `json:"id"`
	Email       string         `json:"email"`
	AppMetadata map[string]any `json:"app_metadata"`
}

type gotrueTokens struct {
	AccessToken  string     `json:"access_token"`
	RefreshToken string     `json:"refresh_token"`
	ExpiresIn    int        `json:"expires_in"`
	User         gotrueUser `json:"user"`
}

func (u gotrueUser) principal() (*Principal, error) {
	id, err := uuid.FromString(u.ID)
	if err != nil {
		return nil, fmt.Errorf("session: user id: %w", err)
	}
	role, _ := u.AppMetadata["role"].(string)
	return &Principal{ID: id, Email: u.Email, RoleClaim: role}, nil
}

// GetPrincipal validates the access token and, when it was rejected, rotates
// the session with the refresh token. An invalid session yields cookies that
// clear both tokens.
func (g *GoTrue) GetPrincipal(ctx context.Context, r *http.Request) (*Principal, []*http.Cookie, error) {
	access := cookieValue(r, g.cookies.AccessName)
	refresh := cookieValue(r, g.cookies.RefreshName)
	if access == "" && refresh == "" {
		return nil, nil, nil
	}

	if access != "" {
		user, err := g.user(ctx, access)
		switch {
		case err == nil:
			p, err := user.principal()
			return p, nil, err
		case !errors.Is(err, ErrUnauthenticated):
			return nil, nil, err
		}
	}
	if refresh == "" {
		return nil, g.clearCookies(), nil
	}

	tokens, err := g.refresh(ctx, refresh)
	if errors.Is(err, ErrUnauthenticated) {
		return nil, g.clearCookies(), nil
	}
	if err != nil {
		return nil, nil, err
	}
	p, err := tokens.User.principal()
	if err != nil {
		return nil, nil, err
	}
	return p, g.sessionCookies(tokens), nil
}

func (g *GoTrue) user(ctx context.Context, accessToken string) (gotrueUser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.baseURL+"/auth/v1/user", nil)
	if err != nil {
		return gotrueUser{}, fmt.Errorf("session: user request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	var user gotrueUser
	if err := g.do(req, &user); err != nil {
		return gotrueUser{}, fmt.Errorf("session: get user: %w", err)
	}
	return user, nil
}

func (g *GoTrue) refresh(ctx context.Context, refreshToken string) (gotrueTokens, error) {
	body, err := json.Marshal(map[string]string{"refresh_token": refreshToken})
	if err != nil {
		return gotrueTokens{}, fmt.Errorf("session: refresh body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/auth/v1/token?grant_type=refresh_token", bytes.NewReader(body))
	if err != nil {
		return gotrueTokens{}, fmt.Errorf("session: refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	var tokens gotrueTokens
	if err := g.do(req, &tokens); err != nil {
		return gotrueTokens{}, fmt.Errorf("session: refresh: %w", err)
	}
	if tokens.AccessToken == "" {
		return gotrueTokens{}, errors.New("session: refresh: response missing access token")
	}
	return tokens, nil
}

func (g *GoTrue) do(req *http.Request, out any) error {
	req.Header.Set("Accept", "application/json")
	if g.apiKey != "" {
		req.Header.Set("apikey", g.apiKey)
	}
	resp, err := g.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	switch {
	case resp.StatusCode == http.StatusUnauthorized,
		resp.StatusCode == http.StatusForbidden,
		resp.StatusCode == http.StatusBadRequest:
		return ErrUnauthenticated
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("decode body: %w", err)
	}
	return nil
}

func (g *GoTrue) sessionCookies(tokens gotrueTokens) []*http.Cookie {
	accessAge := tokens.ExpiresIn
	if accessAge <= 0 {
		accessAge = int(time.Hour / time.Second)
	}
	return []*http.Cookie{
		g.cookie(g.cookies.AccessName, tokens.AccessToken, accessAge),
		g.cookie(g.cookies.RefreshName, tokens.RefreshToken, int(g.cookies.RefreshMaxAge/time.Second)),
	}
}

func (g *GoTrue) clearCookies() []*http.Cookie {
	return []*http.Cookie{
		g.cookie(g.cookies.AccessName, "", -1),
		g.cookie(g.cookies.RefreshName, "", -1),
	}
}

func (g *GoTrue) cookie(name, value string, maxAge int) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     g.cookies.Path,
		Domain:   g.cookies.Domain,
		MaxAge:   maxAge,
		Secure:   g.cookies.Secure,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	}
}

func cookieValue(r *http.Request, name string) string {
	c, err := r.Cookie(name)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(c.Value)
}
