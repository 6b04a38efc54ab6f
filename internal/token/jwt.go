package token

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/dtroode/custodian/internal/model"
)

var ErrUnknownKey = errors.New("unknown signing key")

// KeySource supplies the current signing key and resolves kid hints to
// verification keys.
type KeySource interface {
	SigningKey(ctx context.Context) (model.VerificationKey, error)
	SelectKey(ctx context.Context, kid string) (model.VerificationKey, bool, error)
}

// Claims represents access token claims.
type Claims struct {
	jwt.RegisteredClaims
	Scope     string `json:"scope,omitempty"`
	TokenType string `json:"typ"`
}

// Issued is a freshly signed token. Value is the raw compact JWS and must
// only be handed to the client; Record turns it into a storable record.
type Issued struct {
	Kind      model.TokenKind
	Value     string
	KID       string
	JTI       string
	Subject   string
	Scopes    []string
	Claims    map[string]any
	IssuedAt  time.Time
	ExpiresAt time.Time
}

func (i Issued) Record() (model.TokenRecord, error) {
	b := model.TokenRecordBuilder{
		Kind:      i.Kind,
		IssuedAt:  i.IssuedAt,
		ExpiresAt: i.ExpiresAt,
		Subject:   i.Subject,
		Value:     model.RawValue(i.Value),
		KID:       i.KID,
		Claims:    i.Claims,
		Metadata:  map[string]any{"jti": i.JTI},
	}
	if i.Kind == model.TokenKindAccess {
		b.Scopes = i.Scopes
	}
	return b.Build()
}

// JWT signs tokens with the newest ACTIVE key and verifies tokens signed by
// any key the KeySource still offers.
type JWT struct {
	keys       KeySource
	issuer     string
	accessTTL  time.Duration
	idTokenTTL time.Duration
	now        func() time.Time
}

const (
	defaultAccessTTL  = 15 * time.Minute
	defaultIDTokenTTL = time.Hour
	typeAccess        = "access"
)

var validMethods = []string{"RS256", "RS384", "RS512"}

type Option func(*JWT)

func WithTTLs(access, idToken time.Duration) Option {
	return func(j *JWT) {
		if access > 0 {
			j.accessTTL = access
		}
		if idToken > 0 {
			j.idTokenTTL = idToken
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(j *JWT) { j.now = now }
}

func NewJWT(keys KeySource, issuer string, opts ...Option) *JWT {
	j := &JWT{
		keys:       keys,
		issuer:     issuer,
		accessTTL:  defaultAccessTTL,
		idTokenTTL: defaultIDTokenTTL,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// GenerateAccessToken creates a short-lived access token for subject.
func (j *JWT) GenerateAccessToken(ctx context.Context, subject, audience string, scopes []string) (Issued, error) {
	now := j.now().Truncate(time.Second)
	jti := uuid.NewString()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        jti,
			Issuer:    j.issuer,
			Subject:   subject,
			Audience:  jwt.ClaimStrings{audience},
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(j.accessTTL)),
		},
		Scope:     strings.Join(scopes, " "),
		TokenType: typeAccess,
	}

	value, kid, err := j.sign(ctx, claims)
	if err != nil {
		return Issued{}, fmt.Errorf("failed to sign access token: %w", err)
	}

	return Issued{
		Kind:      model.TokenKindAccess,
		Value:     value,
		KID:       kid,
		JTI:       jti,
		Subject:   subject,
		Scopes:    append([]string(nil), scopes...),
		Claims:    map[string]any{},
		IssuedAt:  now,
		ExpiresAt: now.Add(j.accessTTL),
	}, nil
}

// GenerateIDToken creates an OpenID Connect ID token. extra claims cannot
// override the registered ones.
func (j *JWT) GenerateIDToken(ctx context.Context, subject, audience string, extra map[string]any) (Issued, error) {
	now := j.now().Truncate(time.Second)
	jti := uuid.NewString()

	claims := jwt.MapClaims{}
	maps.Copy(claims, extra)
	claims["iss"] = j.issuer
	claims["sub"] = subject
	claims["aud"] = audience
	claims["iat"] = now.Unix()
	claims["exp"] = now.Add(j.idTokenTTL).Unix()
	claims["jti"] = jti

	value, kid, err := j.sign(ctx, claims)
	if err != nil {
		return Issued{}, fmt.Errorf("failed to sign id token: %w", err)
	}

	return Issued{
		Kind:      model.TokenKindIDToken,
		Value:     value,
		KID:       kid,
		JTI:       jti,
		Subject:   subject,
		Claims:    map[string]any(claims),
		IssuedAt:  now,
		ExpiresAt: now.Add(j.idTokenTTL),
	}, nil
}

func (j *JWT) sign(ctx context.Context, claims jwt.Claims) (string, string, error) {
	key, err := j.keys.SigningKey(ctx)
	if err != nil {
		return "", "", err
	}

	method, ok := jwt.GetSigningMethod(key.Algorithm).(*jwt.SigningMethodRSA)
	if !ok {
		return "", "", fmt.Errorf("unsupported signing algorithm %q", key.Algorithm)
	}
	priv, ok := key.Private.(*rsa.PrivateKey)
	if !ok {
		return "", "", fmt.Errorf("key %s cannot sign with %s", key.KID, key.Algorithm)
	}

	token := jwt.NewWithClaims(method, claims)
	token.Header["kid"] = key.KID

	value, err := token.SignedString(priv)
	if err != nil {
		return "", "", err
	}
	return value, key.KID, nil
}

// Keyfunc resolves the kid header through the KeySource.
func (j *JWT) Keyfunc(ctx context.Context) jwt.Keyfunc {
	return func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("wrong signing method %v", t.Header["alg"])
		}

		kid, _ := t.Header["kid"].(string)
		key, ok, err := j.keys.SelectKey(ctx, kid)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownKey, kid)
		}
		if key.Algorithm != t.Method.Alg() {
			return nil, fmt.Errorf("key %s is not valid for %s", kid, t.Method.Alg())
		}
		return key.Public, nil
	}
}

// ParseAccessToken validates an access token signature, issuer and validity
// window.
func (j *JWT) ParseAccessToken(ctx context.Context, tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, j.Keyfunc(ctx),
		jwt.WithValidMethods(validMethods),
		jwt.WithIssuer(j.issuer),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(j.now),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to parse access token: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("access token is invalid")
	}
	if claims.TokenType != typeAccess {
		return nil, fmt.Errorf("token type mismatch: %s", claims.TokenType)
	}
	return claims, nil
}
