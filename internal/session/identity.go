package session

import (
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// UserIDFromToken extracts the user_id claim from a server-issued user token.
// The signature is not verified here: the token is opaque client-side and the
// server authenticates it on every request. We only need the embedded identity
// to key local state (sync cursor, unread aggregates) before first connect.
func UserIDFromToken(token string) (string, error) {
	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return "", fmt.Errorf("parse user token: %w", err)
	}
	userID, ok := claims["user_id"].(string)
	if !ok || userID == "" {
		return "", fmt.Errorf("user token has no user_id claim")
	}
	return userID, nil
}
