// Package token implements the token endpoint. Each request is handled
// by a Client assembled from four strategies chosen by grant type: one
// to obtain tokens upstream, one to find the correlation record, one to
// persist the outcome and one to resolve the patient.
package token

import (
	"context"
	"slices"
	"strings"

	"github.com/alexjbarnes/smart-oauth-proxy/internal/issuer"
	"github.com/alexjbarnes/smart-oauth-proxy/internal/models"
)

// Grant types.
const (
	GrantAuthorizationCode = "authorization_code"
	GrantRefreshToken      = "refresh_token"
	GrantClientCredentials = "client_credentials"
)

// Scopes that control launch context handling.
const (
	ScopeLaunch        = "launch"
	ScopeLaunchPatient = "launch/patient"
)

// TokenStrategy obtains a token set for the request's grant.
type TokenStrategy interface {
	Token(ctx context.Context) (*issuer.TokenSet, error)
}

// DocumentStrategy finds the record a grant refers to. A nil document
// and nil error means not found.
type DocumentStrategy interface {
	Document(ctx context.Context) (*models.Document, error)
}

// SaveStrategy persists the result of a successful exchange.
type SaveStrategy interface {
	Save(ctx context.Context, doc *models.Document, tokens *issuer.TokenSet) error
}

// PatientInfoStrategy resolves the patient for a launch/patient grant.
type PatientInfoStrategy interface {
	PatientInfo(ctx context.Context, doc *models.Document, tokens *issuer.TokenSet) (string, error)
}

func hasScope(scope, want string) bool {
	return slices.Contains(strings.Fields(scope), want)
}
