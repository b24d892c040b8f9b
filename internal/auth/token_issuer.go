// Package auth issues and validates the bearer tokens accepted by the
// flashdeck sync API.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMissingSigningSecret = errors.New("auth: signing secret required")
	ErrMissingIssuer        = errors.New("auth: issuer required")
	ErrMissingAudience      = errors.New("auth: audience required")
	ErrInvalidTTL           = errors.New("auth: token ttl must be positive")
	ErrMissingSubject       = errors.New("auth: subject required")
	ErrMissingToken         = errors.New("auth: token required")
	ErrInvalidToken         = errors.New("auth: invalid token")
	ErrExpiredToken         = errors.New("auth: token expired")
)

// Claims is the payload of a flashdeck access token. UserID carries the
// login as "provider:subject"; Subject alone is accepted for tokens minted
// without a provider.
type Claims struct {
	UserID      string `json:"user_id,omitempty"`
	Email       string `json:"user_email,omitempty"`
	DisplayName string `json:"user_display_name,omitempty"`
	jwt.RegisteredClaims
}

// Principal names the login a token is issued for.
type Principal struct {
	Provider    string
	Subject     string
	Email       string
	DisplayName string
}

// TokenIssuerConfig configures the HS256 issuer.
type TokenIssuerConfig struct {
	SigningSecret []byte
	Issuer        string
	Audience      string
	TokenTTL      time.Duration
	Clock         func() time.Time
}

// TokenIssuer signs and validates access tokens with a shared secret.
type TokenIssuer struct {
	secret   []byte
	issuer   string
	audience string
	ttl      time.Duration
	clock    func() time.Time
}

// NewTokenIssuer validates cfg.
func NewTokenIssuer(cfg TokenIssuerConfig) (*TokenIssuer, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, ErrMissingSigningSecret
	}
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		return nil, ErrMissingIssuer
	}
	audience := strings.TrimSpace(cfg.Audience)
	if audience == "" {
		return nil, ErrMissingAudience
	}
	if cfg.TokenTTL <= 0 {
		return nil, ErrInvalidTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &TokenIssuer{
		secret:   append([]byte(nil), cfg.SigningSecret...),
		issuer:   issuer,
		audience: audience,
		ttl:      cfg.TokenTTL,
		clock:    clock,
	}, nil
}

// Issue signs a token for principal and returns it with its lifetime in
// seconds.
func (i *TokenIssuer) Issue(principal Principal) (string, int64, error) {
	subject := strings.TrimSpace(principal.Subject)
	if subject == "" {
		return "", 0, ErrMissingSubject
	}
	userID := subject
	if provider := strings.TrimSpace(principal.Provider); provider != "" {
		userID = provider + ":" + subject
	}

	now := i.clock().UTC()
	expiresAt := now.Add(i.ttl)
	claims := Claims{
		UserID:      userID,
		Email:       strings.TrimSpace(principal.Email),
		DisplayName: strings.TrimSpace(principal.DisplayName),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    i.issuer,
			Audience:  jwt.ClaimStrings{i.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", 0, fmt.Errorf("auth: sign token: %w", err)
	}
	return signed, int64(i.ttl.Seconds()), nil
}

// Validate parses tokenString and returns its claims. Expired tokens yield
// ErrExpiredToken; every other failure wraps ErrInvalidToken.
func (i *TokenIssuer) Validate(tokenString string) (Claims, error) {
	token := strings.TrimSpace(tokenString)
	if token == "" {
		return Claims{}, ErrMissingToken
	}

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(
		token,
		claims,
		func(t *jwt.Token) (interface{}, error) {
			return i.secret, nil
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(i.issuer),
		jwt.WithAudience(i.audience),
		jwt.WithTimeFunc(i.clock),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Claims{}, fmt.Errorf("%w: %w", ErrExpiredToken, err)
		}
		return Claims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if parsed == nil || !parsed.Valid {
		return Claims{}, ErrInvalidToken
	}
	if strings.TrimSpace(claims.Subject) == "" && strings.TrimSpace(claims.UserID) == "" {
		return Claims{}, ErrMissingSubject
	}
	return *claims, nil
}
