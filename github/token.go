package github

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"golang.org/x/sync/singleflight"
)

const (
	// AssertionClockSkew backdates the assertion's issued-at to tolerate clock drift.
	AssertionClockSkew = 60 * time.Second

	// AssertionLifetime is the assertion expiry measured from issuance.
	AssertionLifetime = 10 * time.Minute

	// TokenRefreshMargin is how long before expiry a cached token is replaced.
	TokenRefreshMargin = 5 * time.Minute

	// defaultTokenLifetime applies when the exchange response omits expires_at.
	defaultTokenLifetime = time.Hour

	// tokenExchangeTimeout bounds one shared exchange, independent of any caller.
	tokenExchangeTimeout = 30 * time.Second
)

// ConfigError indicates the application's signing key is unusable.
// It aborts the current delivery before any network call and is never retried.
type ConfigError struct {
	Op  string
	Err error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("github app config error: %s: %v", e.Op, e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// AuthError indicates the token exchange was rejected or returned no token.
type AuthError struct {
	InstallationID int64
	StatusCode     int // 0 when no response was received
	Err            error
}

func (e *AuthError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("installation %d token exchange failed (status %d): %v", e.InstallationID, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("installation %d token exchange failed: %v", e.InstallationID, e.Err)
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// TokenBroker turns the application identity into installation access tokens.
// Tokens are cached per installation and refreshed shortly before they expire.
// It is safe for concurrent use.
type TokenBroker struct {
	appID      int64
	privateKey []byte
	api        apiConfig
	now        func() time.Time
	logger     *slog.Logger

	keyOnce    sync.Once
	signingKey *rsa.PrivateKey
	keyErr     error

	mu     sync.Mutex
	tokens map[int64]*InstallationToken
	group  singleflight.Group
}

// NewTokenBroker creates a broker for the given GitHub App.
// The privateKey should be the PEM-encoded private key of the GitHub App; it is
// parsed on first use so a malformed key fails the delivery, not the process.
func NewTokenBroker(appID int64, privateKey []byte, logger *slog.Logger) *TokenBroker {
	return &TokenBroker{
		appID:      appID,
		privateKey: privateKey,
		api:        defaultAPIConfig(),
		now:        time.Now,
		logger:     logger,
		tokens:     make(map[int64]*InstallationToken),
	}
}

// SetBaseURL points the broker at a GitHub Enterprise or test API root.
func (b *TokenBroker) SetBaseURL(raw string) error {
	return b.api.setBaseURL(raw)
}

// SetHTTPClient overrides the HTTP client used for the exchange.
func (b *TokenBroker) SetHTTPClient(c *http.Client) {
	b.api.httpClient = c
}

func (b *TokenBroker) key() (*rsa.PrivateKey, error) {
	b.keyOnce.Do(func() {
		if len(b.privateKey) == 0 {
			b.keyErr = &ConfigError{Op: "read private key", Err: errors.New("private key is empty")}
			return
		}
		key, err := jwt.ParseRSAPrivateKeyFromPEM(b.privateKey)
		if err != nil {
			b.keyErr = &ConfigError{Op: "parse private key", Err: err}
			return
		}
		b.signingKey = key
	})
	return b.signingKey, b.keyErr
}

// CreateAppAssertion builds an RS256-signed JWT asserting the application's identity.
// Issued-at is backdated by AssertionClockSkew; expiry is issuance + AssertionLifetime.
func (b *TokenBroker) CreateAppAssertion() (string, error) {
	key, err := b.key()
	if err != nil {
		return "", err
	}

	now := b.now()
	claims := jwt.RegisteredClaims{
		IssuedAt:  jwt.NewNumericDate(now.Add(-AssertionClockSkew)),
		ExpiresAt: jwt.NewNumericDate(now.Add(AssertionLifetime)),
		Issuer:    strconv.FormatInt(b.appID, 10),
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(key)
	if err != nil {
		return "", &ConfigError{Op: "sign assertion", Err: err}
	}
	return signed, nil
}

// ExchangeForInstallationToken calls POST /app/installations/{id}/access_tokens
// with the assertion as bearer credential.
func (b *TokenBroker) ExchangeForInstallationToken(ctx context.Context, assertion string, installationID int64) (*InstallationToken, error) {
	client := b.api.client(assertion)

	issuedAt := b.now()
	tok, resp, err := client.Apps.CreateInstallationToken(ctx, installationID, nil)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		return nil, &AuthError{InstallationID: installationID, StatusCode: status, Err: err}
	}
	if tok.GetToken() == "" {
		return nil, &AuthError{
			InstallationID: installationID,
			StatusCode:     resp.StatusCode,
			Err:            errors.New("response has no token field"),
		}
	}

	expiresAt := tok.GetExpiresAt().Time
	if expiresAt.IsZero() {
		expiresAt = issuedAt.Add(defaultTokenLifetime)
	}

	return &InstallationToken{
		Value:          tok.GetToken(),
		InstallationID: installationID,
		IssuedAt:       issuedAt,
		ExpiresAt:      expiresAt,
	}, nil
}

// Token returns a usable token for the installation, minting and exchanging a new
// assertion when no cached token is valid for at least TokenRefreshMargin.
// Concurrent refreshes for the same installation share one exchange.
func (b *TokenBroker) Token(ctx context.Context, installationID int64) (*InstallationToken, error) {
	if tok := b.cached(installationID); tok != nil {
		return tok, nil
	}

	// The shared exchange outlives any one waiter's cancellation.
	ch := b.group.DoChan(strconv.FormatInt(installationID, 10), func() (any, error) {
		if tok := b.cached(installationID); tok != nil {
			return tok, nil
		}

		exchangeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), tokenExchangeTimeout)
		defer cancel()

		assertion, err := b.CreateAppAssertion()
		if err != nil {
			return nil, err
		}

		tok, err := b.ExchangeForInstallationToken(exchangeCtx, assertion, installationID)
		if err != nil {
			return nil, err
		}

		b.mu.Lock()
		b.tokens[installationID] = tok
		b.mu.Unlock()

		if b.logger != nil {
			b.logger.Debug("minted installation token",
				"installation_id", installationID,
				"expires_at", tok.ExpiresAt,
			)
		}
		return tok, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*InstallationToken), nil
	}
}

// Invalidate drops the cached token for an installation, e.g. after the API rejected it.
func (b *TokenBroker) Invalidate(installationID int64) {
	b.mu.Lock()
	delete(b.tokens, installationID)
	b.mu.Unlock()
}

func (b *TokenBroker) cached(installationID int64) *InstallationToken {
	b.mu.Lock()
	defer b.mu.Unlock()

	tok := b.tokens[installationID]
	if !tok.Valid(b.now(), TokenRefreshMargin) {
		return nil
	}
	return tok
}
