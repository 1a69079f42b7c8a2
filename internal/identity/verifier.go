package identity

import (
	"context"
	"errors"
	"net/http"
	"strings"

	json "github.com/goccy/go-json"

	"github.com/hookdebug/hookdebug/internal/models"
)

var ErrInvalidCredentials = errors.New("invalid credentials")

// Verifier proves who is logging in. The OAuth handshake behind a real
// provider lives entirely inside an implementation.
type Verifier interface {
	Verify(ctx context.Context, r *http.Request) (*models.ExternalIdentity, error)
}

// DevVerifier accepts any username posted as {"username": "..."} and
// vouches for it as a local identity. Only for development and tests.
type DevVerifier struct{}

type devLogin struct {
	Username    string `json:"username"`
	DisplayName string `json:"display_name"`
}

func (DevVerifier) Verify(_ context.Context, r *http.Request) (*models.ExternalIdentity, error) {
	var in devLogin
	if err := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 4096)).Decode(&in); err != nil {
		return nil, ErrInvalidCredentials
	}
	username := strings.TrimSpace(in.Username)
	if username == "" {
		return nil, ErrInvalidCredentials
	}
	display := strings.TrimSpace(in.DisplayName)
	if display == "" {
		display = username
	}
	return &models.ExternalIdentity{
		Provider:    "dev",
		ProviderID:  strings.ToLower(username),
		Username:    username,
		DisplayName: display,
	}, nil
}
