// Package rtc issues RTC room access tokens.
package rtc

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/psds-microservice/session-reservation-service/internal/errs"
	"github.com/psds-microservice/session-reservation-service/internal/model"
)

// Issued is a freshly signed credential.
type Issued struct {
	Token     string
	UID       uint32
	ExpiresAt time.Time
}

// Claims is the payload of a room token.
type Claims struct {
	AppID   string `json:"app_id"`
	Channel string `json:"channel"`
	UID     uint32 `json:"uid"`
	Role    string `json:"role"`
	jwt.RegisteredClaims
}

// Signer signs room tokens with the application certificate (HS256).
type Signer struct {
	appID string
	key   []byte
	ttl   time.Duration
	now   func() time.Time
}

// NewSigner creates a signer. Without a certificate the app id is used as
// key, which is only acceptable outside production (see config.Validate).
func NewSigner(appID, certificate string, ttl time.Duration) *Signer {
	key := certificate
	if key == "" {
		key = appID
	}
	return &Signer{appID: appID, key: []byte(key), ttl: ttl, now: time.Now}
}

// AppID returns the provider application id.
func (s *Signer) AppID() string { return s.appID }

// IssueToken signs a token for channel and role. uid == 0 means "derive".
func (s *Signer) IssueToken(ctx context.Context, channel string, role model.Role, uid uint32) (Issued, error) {
	if err := ctx.Err(); err != nil {
		return Issued{}, errs.Wrap(errs.ErrTransient, errs.CodeProviderUnavailable, err)
	}
	if channel == "" {
		return Issued{}, errs.New(errs.ErrPermissionDenied, "", "channel is required")
	}
	if _, ok := model.ParseRole(string(role)); !ok {
		return Issued{}, errs.ErrInvalidRole
	}
	if uid == 0 {
		uid = DeriveUID(channel, role)
	}
	now := s.now()
	exp := now.Add(s.ttl)
	claims := Claims{
		AppID:   s.appID,
		Channel: channel,
		UID:     uid,
		Role:    string(role),
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.key)
	if err != nil {
		return Issued{}, errs.Wrap(errs.ErrTransient, errs.CodeProviderUnavailable, err)
	}
	return Issued{Token: token, UID: uid, ExpiresAt: exp}, nil
}

// Verify parses and validates a token signed by s.
func (s *Signer) Verify(token string) (*Claims, error) {
	var claims Claims
	_, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.key, nil
	}, jwt.WithTimeFunc(s.now))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, errs.Wrap(errs.ErrPermissionDenied, "", err)
		}
		return nil, err
	}
	if claims.AppID != s.appID {
		return nil, errs.New(errs.ErrPermissionDenied, "", "token issued for another app")
	}
	return &claims, nil
}

// DeriveUID maps (channel, role) to a stable positive int32-range uid.
// The role is part of the input so both parties of one channel never share
// a uid.
func DeriveUID(channel string, role model.Role) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(channel))
	_, _ = h.Write([]byte{':'})
	_, _ = h.Write([]byte(role))
	uid := h.Sum32() & 0x7fffffff
	if uid == 0 {
		uid = 1
	}
	return uid
}
