package webhook

import (
	"crypto/sha256"
	"fmt"
	"io"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/hkdf"
)

// CorrelationClaims identifies which pipeline and stage a webhook URL was
// minted for, the same way the teacher's JWTClaims carries a user id —
// here the "subject" is a pipeline run, not an end user, since end-user
// auth is out of scope for this endpoint.
type CorrelationClaims struct {
	PipelineID string `json:"pipeline_id"`
	Stage      string `json:"stage"`
	jwt.RegisteredClaims
}

// TokenSigner mints and parses correlation tokens embedded in the
// callback URL a provider is given when a stage is dispatched
// asynchronously (§4.7 "Async stage completion").
type TokenSigner struct {
	secret []byte
}

// NewTokenSigner builds a signer using the given HS256 secret.
func NewTokenSigner(secret string) *TokenSigner {
	return &TokenSigner{secret: []byte(secret)}
}

// Mint issues a correlation token valid for 24h, matching the auto-resume
// window a pending stage is expected to complete within.
func (s *TokenSigner) Mint(pipelineID, stage string) (string, error) {
	claims := CorrelationClaims{
		PipelineID: pipelineID,
		Stage:      stage,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(24 * time.Hour)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			Subject:   pipelineID,
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// Parse validates and decodes a correlation token.
func (s *TokenSigner) Parse(tokenString string) (*CorrelationClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &CorrelationClaims{}, func(token *jwt.Token) (interface{}, error) {
		return s.secret, nil
	})
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*CorrelationClaims)
	if !ok || !token.Valid {
		return nil, jwt.ErrSignatureInvalid
	}
	return claims, nil
}

// DerivePipelineSecret implements the HKDF line from the domain stack: one
// master secret seeds a distinct HMAC signing secret per pipeline_id, so a
// leaked per-pipeline secret doesn't compromise every other run's webhook
// channel.
func DerivePipelineSecret(masterSecret, pipelineID string) (string, error) {
	if masterSecret == "" {
		return "", fmt.Errorf("webhook: master secret is not configured")
	}
	kdf := hkdf.New(sha256.New, []byte(masterSecret), nil, []byte("voicefuse-webhook:"+pipelineID))
	out := make([]byte, 32)
	if _, err := io.ReadFull(kdf, out); err != nil {
		return "", fmt.Errorf("webhook: derive secret: %w", err)
	}
	return fmt.Sprintf("%x", out), nil
}
