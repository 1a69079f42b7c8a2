// Package identity turns an HTTP request into the Owner it acts for.
package identity

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/hookdebug/hookdebug/internal/models"
)

const (
	SessionCookie = "hookdebug_session"
	AccountCookie = "hookdebug_account"
	SessionHeader = "X-Session-Token"

	sessionCookieMaxAge = 365 * 24 * time.Hour
)

type contextKey string

const ownerContextKey contextKey = "owner"

// OwnerFromContext returns the owner stored by Middleware. The zero Owner is
// returned when none was stored.
func OwnerFromContext(ctx context.Context) models.Owner {
	owner, _ := ctx.Value(ownerContextKey).(models.Owner)
	return owner
}

func WithOwner(ctx context.Context, owner models.Owner) context.Context {
	return context.WithValue(ctx, ownerContextKey, owner)
}

type Resolver struct {
	signer       *Signer
	cookieSecure bool
}

func NewResolver(signer *Signer, cookieSecure bool) *Resolver {
	return &Resolver{signer: signer, cookieSecure: cookieSecure}
}

func (res *Resolver) Signer() *Signer { return res.signer }

// Resolve never fails: a verified account wins, then a presented anonymous
// token, and otherwise a new anonymous session is minted and handed to the
// client as a cookie.
func (res *Resolver) Resolve(w http.ResponseWriter, r *http.Request) models.Owner {
	if id, ok := res.AccountID(r); ok {
		return models.AccountOwner(id)
	}
	if token := AnonymousToken(r); token != "" {
		return models.Anonymous(token)
	}

	token := models.NewSessionToken()
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    token,
		Path:     "/",
		MaxAge:   int(sessionCookieMaxAge.Seconds()),
		HttpOnly: true,
		Secure:   res.cookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
	return models.Anonymous(token)
}

// AccountID returns the account id of a valid account token on r.
func (res *Resolver) AccountID(r *http.Request) (string, bool) {
	token := bearerToken(r)
	if token == "" {
		if c, err := r.Cookie(AccountCookie); err == nil {
			token = c.Value
		}
	}
	if token == "" {
		return "", false
	}
	id, err := res.signer.Verify(token)
	if err != nil {
		return "", false
	}
	return id, true
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	token := strings.TrimPrefix(auth, "Bearer ")
	if token == auth {
		return ""
	}
	return strings.TrimSpace(token)
}

// AnonymousToken returns the well-formed anonymous session token presented
// on r, or "".
func AnonymousToken(r *http.Request) string {
	if c, err := r.Cookie(SessionCookie); err == nil && models.ValidSessionToken(c.Value) {
		return c.Value
	}
	if h := strings.TrimSpace(r.Header.Get(SessionHeader)); models.ValidSessionToken(h) {
		return h
	}
	return ""
}

func (res *Resolver) SetAccountCookie(w http.ResponseWriter, token string, expires time.Time) {
	http.SetCookie(w, &http.Cookie{
		Name:     AccountCookie,
		Value:    token,
		Path:     "/",
		Expires:  expires,
		HttpOnly: true,
		Secure:   res.cookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (res *Resolver) ClearAccountCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     AccountCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   res.cookieSecure,
		SameSite: http.SameSiteLaxMode,
	})
}

// Middleware resolves the owner once and stores it in the request context.
func (res *Resolver) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		owner := res.Resolve(w, r)
		next.ServeHTTP(w, r.WithContext(WithOwner(r.Context(), owner)))
	})
}
