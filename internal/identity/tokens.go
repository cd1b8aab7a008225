package identity

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"fraudsight.io/internal/ids"
)

const tokenTypeAccess = "access"

// AccessClaims is the self-contained claim set embedded in access tokens.
// Verification is stateless: signature and expiry only, no revocation lookup.
type AccessClaims struct {
	Email          string `json:"email"`
	Role           string `json:"role"`
	OrganisationID string `json:"org"`
	TokenType      string `json:"token_type"`
	jwt.RegisteredClaims
}

func (s *Service) signAccessToken(p Principal, now time.Time) (string, time.Time, error) {
	exp := now.Add(s.accessTTL)
	claims := AccessClaims{
		Email:          p.Email,
		Role:           string(p.Role),
		OrganisationID: p.OrganisationID,
		TokenType:      tokenTypeAccess,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   p.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        ids.New(),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.accessSecret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, exp, nil
}

func (s *Service) verifyAccessToken(raw string) (Principal, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Principal{}, ErrUnauthorized
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	}
	if s.issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.issuer))
	}
	parsed, err := jwt.ParseWithClaims(raw, &AccessClaims{}, func(t *jwt.Token) (any, error) {
		return s.accessSecret, nil
	}, opts...)
	if err != nil {
		return Principal{}, ErrUnauthorized
	}
	claims, ok := parsed.Claims.(*AccessClaims)
	if !ok || !parsed.Valid {
		return Principal{}, ErrUnauthorized
	}
	if claims.TokenType != tokenTypeAccess {
		return Principal{}, ErrUnauthorized
	}
	role, err := ParseRole(claims.Role)
	if err != nil {
		return Principal{}, ErrUnauthorized
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return Principal{}, ErrUnauthorized
	}
	return Principal{
		UserID:         claims.Subject,
		Email:          claims.Email,
		Role:           role,
		OrganisationID: claims.OrganisationID,
	}, nil
}

// newRefreshToken mints an opaque "<id>.<secret>" token. Only the keyed hash
// of the secret half enters the allow-list, so a leaked database cannot be
// replayed without the refresh signing secret.
func (s *Service) newRefreshToken(userID string, now time.Time) (string, *RefreshToken, error) {
	secretBytes := make([]byte, 32)
	if _, err := rand.Read(secretBytes); err != nil {
		return "", nil, err
	}
	secret := base64.RawURLEncoding.EncodeToString(secretBytes)
	rec := &RefreshToken{
		ID:        ids.New(),
		UserID:    userID,
		TokenHash: s.refreshTokenHash(secret),
		IssuedAt:  now,
		ExpiresAt: now.Add(s.refreshTTL),
	}
	return rec.ID + "." + secret, rec, nil
}

func (s *Service) refreshTokenHash(secret string) string {
	mac := hmac.New(sha256.New, s.refreshSecret)
	mac.Write([]byte(secret))
	return hex.EncodeToString(mac.Sum(nil))
}

func splitRefreshToken(raw string) (id, secret string, err error) {
	parts := strings.Split(strings.TrimSpace(raw), ".")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", errors.New("invalid refresh token format")
	}
	return parts[0], parts[1], nil
}

// newResetToken mints a single-use password-reset token; the store keeps
// only its sha256.
func newResetToken(userID string, ttl time.Duration, now time.Time) (string, *ResetToken, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", nil, err
	}
	token := base64.RawURLEncoding.EncodeToString(raw)
	return token, &ResetToken{
		TokenHash: resetTokenHash(token),
		UserID:    userID,
		ExpiresAt: now.Add(ttl),
	}, nil
}

func resetTokenHash(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
