package auth

import "strings"

// Verifier validates an access token.
type Verifier interface {
	Verify(token string) (Claims, error)
}

// Guard authenticates bearer credentials.
type Guard struct {
	verifier Verifier
}

// NewGuard creates a Guard backed by verifier.
func NewGuard(verifier Verifier) *Guard {
	return &Guard{verifier: verifier}
}

// Authenticate validates an Authorization header value of the form "Bearer <token>".
func (g *Guard) Authenticate(header string) (Claims, error) {
	token, ok := bearerToken(header)
	if !ok {
		return Claims{}, ErrUnauthorized
	}
	claims, err := g.verifier.Verify(token)
	if err != nil {
		return Claims{}, ErrUnauthorized
	}
	return claims, nil
}

func bearerToken(header string) (string, bool) {
	const prefix = "Bearer "
	if len(header) < len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	token := strings.TrimSpace(header[len(prefix):])
	return token, token != ""
}
