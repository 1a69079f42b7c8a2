package api

import (
	"errors"
	"io"
	"net/http"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/hookdebug/hookdebug/internal/identity"
	"github.com/hookdebug/hookdebug/internal/migration"
	"github.com/hookdebug/hookdebug/internal/models"
	"github.com/hookdebug/hookdebug/internal/storage"
)

type AuthHandler struct {
	resolver *identity.Resolver
	verifier identity.Verifier
	durable  storage.Durable
	coord    *migration.Coordinator
	log      zerolog.Logger
}

// NewAuthHandler takes a nil verifier when login is disabled.
func NewAuthHandler(resolver *identity.Resolver, verifier identity.Verifier, durable storage.Durable, coord *migration.Coordinator, log zerolog.Logger) *AuthHandler {
	return &AuthHandler{resolver: resolver, verifier: verifier, durable: durable, coord: coord, log: log}
}

type loginResponse struct {
	Account   *models.Account   `json:"account"`
	Token     string            `json:"token"`
	Migration *migration.Result `json:"migration,omitempty"`
}

// Login verifies the caller, signs them in and moves over whatever they
// built anonymously in this browser.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	if h.verifier == nil {
		writeError(w, http.StatusNotFound, "login is disabled")
		return
	}

	ident, err := h.verifier.Verify(r.Context(), r)
	if err != nil {
		if errors.Is(err, identity.ErrInvalidCredentials) {
			writeError(w, http.StatusUnauthorized, "invalid credentials")
			return
		}
		h.log.Error().Err(err).Msg("identity verification failed")
		writeError(w, http.StatusBadGateway, "identity provider unavailable")
		return
	}

	acct, err := h.durable.UpsertAccount(r.Context(), &models.Account{
		ID:          models.NewID("acc"),
		Provider:    ident.Provider,
		ProviderID:  ident.ProviderID,
		Username:    ident.Username,
		DisplayName: ident.DisplayName,
		AvatarURL:   ident.AvatarURL,
		CreatedAt:   time.Now().UTC(),
	})
	if err != nil {
		h.log.Error().Err(err).Msg("failed to upsert account")
		writeError(w, http.StatusInternalServerError, "failed to sign in")
		return
	}

	token, expires := h.resolver.Signer().Issue(acct.ID)
	h.resolver.SetAccountCookie(w, token, expires)
	resp := loginResponse{Account: acct, Token: token}

	if session := identity.AnonymousToken(r); session != "" {
		res, err := h.coord.Migrate(r.Context(), session, acct.ID, nil)
		if err != nil {
			h.log.Warn().Err(err).Str("account_id", acct.ID).Msg("migration after login failed")
		} else {
			resp.Migration = res
		}
	}

	h.log.Info().Str("account_id", acct.ID).Str("provider", acct.Provider).Msg("account signed in")
	writeJSON(w, http.StatusOK, resp)
}

func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	owner := ownerOf(r)
	if !owner.IsAccount() {
		writeError(w, http.StatusUnauthorized, "not signed in")
		return
	}
	acct, err := h.durable.GetAccount(r.Context(), owner.ID())
	if err != nil {
		h.log.Error().Err(err).Msg("failed to load account")
		writeError(w, http.StatusInternalServerError, "failed to load account")
		return
	}
	if acct == nil {
		writeError(w, http.StatusUnauthorized, "not signed in")
		return
	}
	writeJSON(w, http.StatusOK, map[string]*models.Account{"account": acct})
}

func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	h.resolver.ClearAccountCookie(w)
	writeJSON(w, http.StatusOK, messageResponse{Message: "Logged out successfully"})
}

type migrateRequest struct {
	EndpointIDs  []string `json:"endpoint_ids"`
	SessionToken string   `json:"session_token"`
}

// MigrateEndpoints moves anonymous endpoints under the signed-in account.
// The session comes from the body, falling back to the caller's session
// cookie or header.
func (h *AuthHandler) MigrateEndpoints(w http.ResponseWriter, r *http.Request) {
	var req migrateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	session := req.SessionToken
	if !models.ValidSessionToken(session) {
		session = identity.AnonymousToken(r)
	}
	if session == "" {
		writeError(w, http.StatusBadRequest, "no anonymous session to migrate")
		return
	}

	res, err := h.coord.Migrate(r.Context(), session, ownerOf(r).ID(), req.EndpointIDs)
	if err != nil {
		if errors.Is(err, migration.ErrNoSession) {
			writeError(w, http.StatusBadRequest, "no anonymous session to migrate")
			return
		}
		h.log.Error().Err(err).Msg("migration failed")
		writeError(w, http.StatusInternalServerError, "failed to migrate endpoints")
		return
	}
	writeJSON(w, http.StatusOK, res)
}
