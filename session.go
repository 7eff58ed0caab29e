package lexchat

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Session is the authenticated identity driving one push connection.
type Session struct {
	UserID string
	Role   Role
	Token  string
}

// Key identifies the session for the one-connection-per-session rule.
func (s Session) Key() string {
	return s.UserID + "\x00" + s.Token
}

// Validate checks the handshake preconditions. Tokens that parse as JWTs are
// also checked for expiry and for a subject naming a different user; the
// signature is the backend's concern and is not verified here.
func (s Session) Validate() error {
	if s.UserID == "" {
		return &AuthError{Reason: "user id is required"}
	}
	if s.Token == "" {
		return &AuthError{Reason: "credential is required"}
	}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(s.Token, claims); err != nil {
		// Opaque token.
		return nil
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil && exp.Before(time.Now()) {
		return &AuthError{Reason: "credential expired at " + exp.UTC().Format(time.RFC3339)}
	}
	for _, key := range []string{"sub", "id", "userId"} {
		if v, ok := claims[key].(string); ok && v != "" && v != s.UserID {
			return &AuthError{Reason: "credential belongs to a different user"}
		}
	}
	return nil
}
