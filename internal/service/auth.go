package service

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/golang-jwt/jwt/v5"

	pkgcrypto "github.com/itbali/vpn-validator-bot/internal/crypto"
	"github.com/itbali/vpn-validator-bot/internal/errs"
	"github.com/itbali/vpn-validator-bot/internal/limiter"
	"github.com/itbali/vpn-validator-bot/internal/model"
)

const tokenIssuer = "vpnguard"

// AuthService authenticates the operator of the admin API.
type AuthService interface {
	// Login applies rate-limiting and returns a signed session on success.
	Login(ctx context.Context, username, password, ip string) (model.Session, error)
	// Verify validates a bearer token and returns its subject.
	Verify(token string) (string, error)
}

// AuthServiceImpl checks a single configured admin account.
type AuthServiceImpl struct {
	username     string
	passwordHash string // crypto.EncodePassword output
	signKey      []byte
	accessTTL    time.Duration
	lim          limiter.Limiter
	now          func() time.Time
}

var _ AuthService = (*AuthServiceImpl)(nil)

// NewAuthService constructs AuthService with required dependencies.
func NewAuthService(username, passwordHash string, signKey []byte, accessTTL time.Duration, lim limiter.Limiter) *AuthServiceImpl {
	if accessTTL <= 0 {
		accessTTL = time.Hour
	}
	return &AuthServiceImpl{
		username:     username,
		passwordHash: passwordHash,
		signKey:      signKey,
		accessTTL:    accessTTL,
		lim:          lim,
		now:          time.Now,
	}
}

// Login authenticates with rate limiting by (username, ip).
func (s *AuthServiceImpl) Login(ctx context.Context, username, password, ip string) (model.Session, error) {
	ipHash := limiter.HashIP(ip)

	allowed, _, err := s.lim.Allow(ctx, username, ipHash)
	if err != nil {
		return model.Session{}, err
	}
	if !allowed {
		return model.Session{}, errs.ErrRateLimited
	}

	if !s.check(username, password) {
		if blocked, _, ferr := s.lim.Failure(ctx, username, ipHash); ferr == nil && blocked {
			return model.Session{}, errs.ErrRateLimited
		}
		return model.Session{}, errs.ErrUnauthorized
	}

	// Success: reset counters (best-effort).
	_ = s.lim.Success(ctx, username, ipHash)

	return s.issueAccessToken(username)
}

func (s *AuthServiceImpl) check(username, password string) bool {
	userOK := subtle.ConstantTimeCompare([]byte(username), []byte(s.username)) == 1
	pwdOK, err := pkgcrypto.VerifyEncoded(password, s.passwordHash)
	return userOK && err == nil && pwdOK
}

// issueAccessToken creates a signed HS256 JWT for the given subject.
func (s *AuthServiceImpl) issueAccessToken(subject string) (model.Session, error) {
	jti, err := uuid.NewV4()
	if err != nil {
		return model.Session{}, err
	}
	now := s.now()
	exp := now.Add(s.accessTTL)
	claims := jwt.RegisteredClaims{
		ID:        jti.String(),
		Issuer:    tokenIssuer,
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(exp),
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString(s.signKey)
	if err != nil {
		return model.Session{}, err
	}
	return model.Session{Token: signed, ExpiresAt: exp}, nil
}

// Verify parses and validates an HS256 token issued by Login.
func (s *AuthServiceImpl) Verify(token string) (string, error) {
	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.signKey, nil
	},
		jwt.WithIssuer(tokenIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return "", errors.Join(errs.ErrUnauthorized, err)
	}
	if claims.Subject != s.username {
		return "", errs.ErrUnauthorized
	}
	return claims.Subject, nil
}
