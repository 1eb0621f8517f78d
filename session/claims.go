package session

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claim names used by the backend. ASP.NET identity tokens carry the long
// URIs; plain JWT issuers use the short forms.
const (
	claimNameIdentifier = "http://schemas.xmlsoap.org/ws/2005/05/identity/claims/nameidentifier"
	claimName           = "http://schemas.xmlsoap.org/ws/2005/05/identity/claims/name"
	claimRole           = "http://schemas.microsoft.com/ws/2008/06/identity/claims/role"
)

// Claims is the subset of token claims the client relies on.
type Claims struct {
	UserID    int64
	UserName  string
	Role      string
	ExpiresAt time.Time
}

// Expired reports whether the token carries an expiry in the past.
func (c *Claims) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && !now.Before(c.ExpiresAt)
}

// ParseClaims decodes token claims without verifying the signature; the
// backend is the authority and verifies every request.
func ParseClaims(token string) (*Claims, error) {
	mapClaims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, mapClaims); err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}

	rawID, ok := firstString(mapClaims, "sub", "nameid", claimNameIdentifier, "userId")
	if !ok {
		return nil, errors.New("parse token: missing subject claim")
	}
	userID, err := strconv.ParseInt(rawID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parse token subject %q: %w", rawID, err)
	}

	claims := &Claims{UserID: userID}
	claims.UserName, _ = firstString(mapClaims, "unique_name", "name", claimName)
	claims.Role, _ = firstString(mapClaims, "role", claimRole)

	exp, err := mapClaims.GetExpirationTime()
	if err != nil {
		return nil, fmt.Errorf("parse token expiry: %w", err)
	}
	if exp != nil {
		claims.ExpiresAt = exp.Time
	}

	return claims, nil
}

func firstString(claims jwt.MapClaims, keys ...string) (string, bool) {
	for _, key := range keys {
		value, ok := claims[key]
		if !ok {
			continue
		}
		switch v := value.(type) {
		case string:
			if v != "" {
				return v, true
			}
		case float64:
			return strconv.FormatInt(int64(v), 10), true
		case []any:
			// Multi-role tokens; the first entry is the primary role.
			if len(v) > 0 {
				if s, ok := v[0].(string); ok {
					return s, true
				}
			}
		}
	}
	return "", false
}
