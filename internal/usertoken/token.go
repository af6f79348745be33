// Package usertoken issues and verifies the patient session tokens handed out
// after a phone number is verified.
package usertoken

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"meditext/internal/servicetoken"
	"meditext/internal/util"
)

const (
	defaultIssuer   = "meditext-reminder"
	defaultAudience = "meditext-patient"
	defaultKeyID    = "session-active"
	defaultTTL      = 24 * time.Hour
	defaultLeeway   = 30 * time.Second
)

var (
	// ErrUnauthorized covers every token that fails verification.
	ErrUnauthorized = errors.New("unauthorized")
	errUnknownKey   = errors.New("unknown token key")
)

// Claims identify a verified phone and, once registered, its patient.
// Subject is empty for a phone that has no patient yet.
type Claims struct {
	jwt.RegisteredClaims
	Phone string `json:"phone"`
}

// PatientID returns the subject, empty when the phone is not registered.
func (c Claims) PatientID() string {
	return c.Subject
}

type Options struct {
	PrivateKeyPath string
	KeyID          string
	TTL            time.Duration
}

// Issuer signs and verifies RS256 session tokens with one key pair.
type Issuer struct {
	key    *rsa.PrivateKey
	keyID  string
	ttl    time.Duration
	leeway time.Duration
	now    func() time.Time
}

// NewIssuer loads the PEM private key named in opts.
func NewIssuer(opts Options) (*Issuer, error) {
	path := strings.TrimSpace(opts.PrivateKeyPath)
	if path == "" {
		return nil, errors.New("session token private key path is required")
	}
	key, err := servicetoken.LoadPrivateKey(path)
	if err != nil {
		return nil, fmt.Errorf("load session jwt private key: %w", err)
	}
	return NewIssuerFromKey(key, opts)
}

func NewIssuerFromKey(key *rsa.PrivateKey, opts Options) (*Issuer, error) {
	if key == nil {
		return nil, errors.New("session token private key is required")
	}
	keyID := strings.TrimSpace(opts.KeyID)
	if keyID == "" {
		keyID = defaultKeyID
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Issuer{key: key, keyID: keyID, ttl: ttl, leeway: defaultLeeway, now: time.Now}, nil
}

// Issue signs a token for phone. patientID may be empty.
func (i *Issuer) Issue(patientID, phone string) (string, time.Time, error) {
	phone = strings.TrimSpace(phone)
	if phone == "" {
		return "", time.Time{}, errors.New("session token phone is required")
	}
	now := i.now().UTC()
	expires := now.Add(i.ttl)
	t := jwt.NewWithClaims(jwt.SigningMethodRS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    defaultIssuer,
			Subject:   strings.TrimSpace(patientID),
			Audience:  jwt.ClaimStrings{defaultAudience},
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
			ID:        util.NewID(),
		},
		Phone: phone,
	})
	t.Header["kid"] = i.keyID
	signed, err := t.SignedString(i.key)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expires, nil
}

// Verify checks signature, key id, expiry, issuer and audience. Any failure
// is reported as ErrUnauthorized wrapping the cause.
func (i *Issuer) Verify(token string) (Claims, error) {
	var claims Claims
	token = strings.TrimSpace(token)
	if token == "" {
		return claims, ErrUnauthorized
	}
	_, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		if kid, _ := t.Header["kid"].(string); kid != i.keyID {
			return nil, errUnknownKey
		}
		return &i.key.PublicKey, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithIssuer(defaultIssuer),
		jwt.WithAudience(defaultAudience),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(i.leeway),
		jwt.WithTimeFunc(i.now),
	)
	if err != nil {
		return Claims{}, fmt.Errorf("%w: %w", ErrUnauthorized, err)
	}
	if strings.TrimSpace(claims.Phone) == "" {
		return Claims{}, fmt.Errorf("%w: phone claim missing", ErrUnauthorized)
	}
	return claims, nil
}
