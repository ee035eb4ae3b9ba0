package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenType distinguishes access from refresh tokens inside the claims.
type TokenType string

const (
	TokenAccess  TokenType = "access"
	TokenRefresh TokenType = "refresh"
)

const (
	resetSubject  = "passwordreset"
	verifySubject = "verifyemail"
)

var (
	ErrInvalidToken   = errors.New("invalid token")
	ErrWrongTokenType = errors.New("token type is invalid")
	ErrNoUserID       = errors.New("no user related with token")
)

// Pair is the login response body.
type Pair struct {
	Access              string `json:"access"`
	AccessExpirationAt  int64  `json:"access_expiration_at"`
	Refresh             string `json:"refresh"`
	RefreshExpirationAt int64  `json:"refresh_expiration_at"`
	UserID              string `json:"user_id"`
}

// Tokens signs and verifies HS256 JWTs.
type Tokens struct {
	Secret     []byte
	AccessTTL  time.Duration
	RefreshTTL time.Duration
	ResetTTL   time.Duration
	VerifyTTL  time.Duration
	Now        func() time.Time
}

func (t *Tokens) now() time.Time {
	if t.Now != nil {
		return t.Now()
	}
	return time.Now()
}

func (t *Tokens) sign(claims jwt.MapClaims) (string, error) {
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.Secret)
}

// Issue creates an access/refresh pair for userID.
func (t *Tokens) Issue(userID string) (Pair, error) {
	now := t.now()
	accessExp := now.Add(t.AccessTTL)
	refreshExp := now.Add(t.RefreshTTL)

	access, err := t.sign(jwt.MapClaims{
		"user_id":    userID,
		"token_type": string(TokenAccess),
		"iat":        now.Unix(),
		"exp":        accessExp.Unix(),
	})
	if err != nil {
		return Pair{}, fmt.Errorf("sign access token: %w", err)
	}
	refresh, err := t.sign(jwt.MapClaims{
		"user_id":    userID,
		"token_type": string(TokenRefresh),
		"iat":        now.Unix(),
		"exp":        refreshExp.Unix(),
	})
	if err != nil {
		return Pair{}, fmt.Errorf("sign refresh token: %w", err)
	}
	return Pair{
		Access:              access,
		AccessExpirationAt:  accessExp.Unix(),
		Refresh:             refresh,
		RefreshExpirationAt: refreshExp.Unix(),
		UserID:              userID,
	}, nil
}

func (t *Tokens) parse(raw string, opts ...jwt.ParserOption) (jwt.MapClaims, error) {
	opts = append(opts,
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(t.now),
		jwt.WithExpirationRequired(),
	)
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return t.Secret, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return claims, nil
}

// Parse verifies raw and returns its user id. The token_type claim must
// equal want.
func (t *Tokens) Parse(raw string, want TokenType) (string, error) {
	claims, err := t.parse(raw)
	if err != nil {
		return "", err
	}
	if typ, _ := claims["token_type"].(string); typ != string(want) {
		return "", ErrWrongTokenType
	}
	userID, _ := claims["user_id"].(string)
	if userID == "" {
		return "", ErrNoUserID
	}
	return userID, nil
}

// IssueReset creates a password-reset token bound to email.
func (t *Tokens) IssueReset(email string) (string, error) {
	now := t.now()
	return t.sign(jwt.MapClaims{
		"sub":   resetSubject,
		"email": email,
		"nbf":   now.Unix(),
		"exp":   now.Add(t.ResetTTL).Unix(),
	})
}

// ParseReset verifies a password-reset token and returns its email.
func (t *Tokens) ParseReset(raw string) (string, error) {
	claims, err := t.parse(raw, jwt.WithSubject(resetSubject))
	if err != nil {
		return "", err
	}
	email, _ := claims["email"].(string)
	if email == "" {
		return "", ErrInvalidToken
	}
	return email, nil
}

// IssueVerify creates an account-verification token for the user that owns
// email.
func (t *Tokens) IssueVerify(userID, email string) (string, error) {
	now := t.now()
	return t.sign(jwt.MapClaims{
		"sub":     verifySubject,
		"user_id": userID,
		"email":   email,
		"nbf":     now.Unix(),
		"exp":     now.Add(t.VerifyTTL).Unix(),
	})
}

// ParseVerify verifies an account-verification token and returns the user id
// and email it was issued for.
func (t *Tokens) ParseVerify(raw string) (userID, email string, err error) {
	claims, err := t.parse(raw, jwt.WithSubject(verifySubject))
	if err != nil {
		return "", "", err
	}
	userID, _ = claims["user_id"].(string)
	email, _ = claims["email"].(string)
	if userID == "" || email == "" {
		return "", "", ErrInvalidToken
	}
	return userID, email, nil
}
