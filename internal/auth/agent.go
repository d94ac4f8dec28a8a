// ABOUTME: Agent identification checks combining JWT and provisioned static tokens
// ABOUTME: Implements the relay server's Authenticator contract

package auth

import (
	"context"
	"errors"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

var (
	// ErrMissingToken means the identify frame carried no credentials.
	ErrMissingToken = errors.New("missing token")

	// ErrUnknownAgent means no agent with that ID has been provisioned.
	ErrUnknownAgent = errors.New("unknown agent")
)

// CredentialStore is the subset of the store needed to check static agent
// tokens. The stored value is a bcrypt hash, never the token itself.
type CredentialStore interface {
	AgentTokenHash(ctx context.Context, agentID string) (string, error)
}

// AgentAuthenticator validates the credentials in an agent's identify frame.
// When a JWT secret is configured, tokens shaped like JWTs are verified
// against it and their "sub" claim must match the claimed agent ID; anything
// else is compared against the agent's provisioned static token hash.
type AgentAuthenticator struct {
	jwt   *JWTVerifier
	creds CredentialStore
}

// NewAgentAuthenticator creates an authenticator. secret may be empty to
// disable JWT verification; creds is required.
func NewAgentAuthenticator(secret []byte, creds CredentialStore) *AgentAuthenticator {
	a := &AgentAuthenticator{creds: creds}
	if len(secret) > 0 {
		a.jwt = NewJWTVerifier(secret)
	}
	return a
}

// Authenticate checks an identify frame's agent ID and token.
func (a *AgentAuthenticator) Authenticate(ctx context.Context, agentID, token string) error {
	if token == "" {
		return ErrMissingToken
	}

	if a.jwt != nil && looksLikeJWT(token) {
		sub, err := a.jwt.Verify(token)
		if err != nil {
			return err
		}
		if sub != agentID {
			return ErrAgentMismatch
		}
		return nil
	}

	hash, err := a.creds.AgentTokenHash(ctx, agentID)
	if err != nil {
		return err
	}
	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(token)) != nil {
		return ErrInvalidToken
	}
	return nil
}

// looksLikeJWT reports whether the token has the three-part JWS shape.
func looksLikeJWT(token string) bool {
	return strings.Count(token, ".") == 2
}
