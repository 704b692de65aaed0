// Package session refreshes the caller's identity-provider session on every
// request and enforces the authentication rules of the protected areas.
package session

import (
	"context"
	"errors"
	"net/http"

	"github.com/gofrs/uuid/v5"
)

// ErrUnauthenticated is returned by providers when the presented session is
// no longer valid and cannot be refreshed.
var ErrUnauthenticated = errors.New("session: unauthenticated")

// Principal is the authenticated caller. The gateway only reads it.
type Principal struct {
	ID        uuid.UUID
	Email     string
	RoleClaim string
}

// IdentityProvider refreshes the session carried by r. A nil principal with a
// nil error means the request is anonymous. Returned cookies must be written
// to the response whether or not a principal was found.
type IdentityProvider interface {
	GetPrincipal(ctx context.Context, r *http.Request) (*Principal, []*http.Cookie, error)
}

// RoleStore resolves the role claim for a principal.
type RoleStore interface {
	RoleClaim(ctx context.Context, id uuid.UUID) (string, error)
}

// Anonymous is the provider used when no identity provider is configured.
type Anonymous struct{}

func (Anonymous) GetPrincipal(context.Context, *http.Request) (*Principal, []*http.Cookie, error) {
	return nil, nil, nil
}

// Observer receives call outcomes for metrics.
type Observer interface {
	ObserveIdentityCall(operation, result string)
	ObserveCacheOperation(operation, result string)
}

type nopObserver struct{}

func (nopObserver) ObserveIdentityCall(string, string)   {}
func (nopObserver) ObserveCacheOperation(string, string) {}
