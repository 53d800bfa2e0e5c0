// Package tokens mints and verifies the signed links approvers follow from
// their notification emails. The link carries an HS256 JWT binding the
// approval step id to the opaque token stored on the step, so a leaked step
// id alone is not enough to respond out of band.
package tokens

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	issuer            = "signet"
	secretEnvVariable = "SIGNET_APPROVAL_SECRET"
	defaultLinkTTL    = 14 * 24 * time.Hour
)

var (
	errMissingSecret = errors.New("approval secret is not configured")

	secretMu sync.Mutex
	secret   cachedSecret
)

type cachedSecret struct {
	value []byte
	err   error
	ready bool
}

// ErrInvalidLink indicates the approval link failed validation.
var ErrInvalidLink = errors.New("invalid approval link")

// Claims binds an approval step to its stored token.
type Claims struct {
	StepToken string `json:"step_token"`
	jwt.RegisteredClaims
}

// Issuer builds approval links rooted at the portal's base URL.
type Issuer struct {
	BaseURL string
	TTL     time.Duration
}

// ApprovalLink returns the signed URL an approver follows to respond to the
// given step.
func (i Issuer) ApprovalLink(stepID, stepToken string) (string, error) {
	stepID = strings.TrimSpace(stepID)
	stepToken = strings.TrimSpace(stepToken)
	if stepID == "" || stepToken == "" {
		return "", errors.New("step id and token are required")
	}
	secretBytes, err := loadSecret()
	if err != nil {
		return "", err
	}

	ttl := i.TTL
	if ttl <= 0 {
		ttl = defaultLinkTTL
	}
	now := time.Now().UTC()
	claims := Claims{
		StepToken: stepToken,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   stepID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secretBytes)
	if err != nil {
		return "", fmt.Errorf("sign approval link: %w", err)
	}

	base := strings.TrimRight(i.BaseURL, "/")
	if base == "" {
		base = "https://localhost"
	}
	return base + "/approvals/respond?t=" + url.QueryEscape(signed), nil
}

// ParseLinkToken verifies a signed link token and returns the step id and the
// stored step token it binds.
func ParseLinkToken(token string) (stepID, stepToken string, err error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return "", "", ErrInvalidLink
	}
	secretBytes, err := loadSecret()
	if err != nil {
		return "", "", err
	}

	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, ErrInvalidLink
		}
		return secretBytes, nil
	})
	if err != nil {
		return "", "", ErrInvalidLink
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return "", "", ErrInvalidLink
	}
	if claims.Issuer != issuer || strings.TrimSpace(claims.Subject) == "" || claims.StepToken == "" {
		return "", "", ErrInvalidLink
	}
	return claims.Subject, claims.StepToken, nil
}

func loadSecret() ([]byte, error) {
	secretMu.Lock()
	defer secretMu.Unlock()
	if secret.ready {
		return secret.value, secret.err
	}
	raw := strings.TrimSpace(os.Getenv(secretEnvVariable))
	if raw == "" {
		secret = cachedSecret{err: errMissingSecret, ready: true}
	} else {
		secret = cachedSecret{value: []byte(raw), ready: true}
	}
	return secret.value, secret.err
}

// ResetSecretCache drops the cached secret. Test helper.
func ResetSecretCache() {
	secretMu.Lock()
	defer secretMu.Unlock()
	secret = cachedSecret{}
}
