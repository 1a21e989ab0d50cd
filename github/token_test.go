package github

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	keyOnce sync.Once
	testKey *rsa.PrivateKey
)

func testKeyPEM(t *testing.T) (*rsa.PrivateKey, []byte) {
	t.Helper()
	keyOnce.Do(func() {
		k, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			panic(err)
		}
		testKey = k
	})
	pemBytes := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(testKey),
	})
	return testKey, pemBytes
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// tokenServer answers the access token endpoint with a token that expires after lifetime.
func tokenServer(t *testing.T, status int, lifetime time.Duration, calls *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.Method != http.MethodPost || r.URL.Path != "/app/installations/77/access_tokens" {
			http.NotFound(w, r)
			return
		}
		if r.Header.Get("Authorization") == "" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if status == http.StatusCreated {
			fmt.Fprintf(w, `{"token": "ghs_test%d", "expires_at": %q}`,
				calls.Load(), fixedNow.Add(lifetime).Format(time.RFC3339))
			return
		}
		fmt.Fprint(w, `{"message": "Bad credentials"}`)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestBroker(t *testing.T, srv *httptest.Server) *TokenBroker {
	t.Helper()
	_, pemBytes := testKeyPEM(t)
	b := NewTokenBroker(1234, pemBytes, discardLogger())
	b.now = func() time.Time { return fixedNow }
	if srv != nil {
		require.NoError(t, b.SetBaseURL(srv.URL))
	}
	return b
}

func TestCreateAppAssertion(t *testing.T) {
	key, _ := testKeyPEM(t)
	b := newTestBroker(t, nil)

	signed, err := b.CreateAppAssertion()
	require.NoError(t, err)

	claims := &jwt.RegisteredClaims{}
	parser := &jwt.Parser{SkipClaimsValidation: true}
	tok, err := parser.ParseWithClaims(signed, claims, func(tok *jwt.Token) (any, error) {
		return &key.PublicKey, nil
	})
	require.NoError(t, err)

	assert.Equal(t, jwt.SigningMethodRS256.Alg(), tok.Method.Alg())
	assert.Equal(t, "1234", claims.Issuer)
	assert.Equal(t, fixedNow.Add(-60*time.Second).Unix(), claims.IssuedAt.Unix())
	assert.Equal(t, fixedNow.Add(10*time.Minute).Unix(), claims.ExpiresAt.Unix())
}

func TestCreateAppAssertionBadKey(t *testing.T) {
	tests := []struct {
		name string
		key  []byte
	}{
		{"empty", nil},
		{"not pem", []byte("definitely not a key")},
		{"wrong block", pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: []byte("junk")})},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := NewTokenBroker(1, tt.key, discardLogger())
			_, err := b.CreateAppAssertion()

			var cfgErr *ConfigError
			require.ErrorAs(t, err, &cfgErr)
		})
	}
}

func TestExchangeForInstallationToken(t *testing.T) {
	var calls atomic.Int32
	srv := tokenServer(t, http.StatusCreated, time.Hour, &calls)
	b := newTestBroker(t, srv)

	assertion, err := b.CreateAppAssertion()
	require.NoError(t, err)

	tok, err := b.ExchangeForInstallationToken(t.Context(), assertion, 77)
	require.NoError(t, err)
	assert.Equal(t, "ghs_test1", tok.Value)
	assert.Equal(t, int64(77), tok.InstallationID)
	assert.Equal(t, fixedNow, tok.IssuedAt)
	assert.True(t, tok.ExpiresAt.Equal(fixedNow.Add(time.Hour)))
}

func TestExchangeForInstallationTokenRejected(t *testing.T) {
	var calls atomic.Int32
	srv := tokenServer(t, http.StatusUnauthorized, 0, &calls)
	b := newTestBroker(t, srv)

	_, err := b.ExchangeForInstallationToken(t.Context(), "assertion", 77)

	var authErr *AuthError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, http.StatusUnauthorized, authErr.StatusCode)
	assert.Equal(t, int64(77), authErr.InstallationID)
}

func TestExchangeForInstallationTokenMissingToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		fmt.Fprint(w, `{"expires_at": "2026-03-01T13:00:00Z"}`)
	}))
	defer srv.Close()
	b := newTestBroker(t, srv)

	_, err := b.ExchangeForInstallationToken(t.Context(), "assertion", 77)

	var authErr *AuthError
	require.ErrorAs(t, err, &authErr)
}

func TestTokenCache(t *testing.T) {
	var calls atomic.Int32
	srv := tokenServer(t, http.StatusCreated, time.Hour, &calls)
	b := newTestBroker(t, srv)

	now := fixedNow
	b.now = func() time.Time { return now }

	first, err := b.Token(t.Context(), 77)
	require.NoError(t, err)
	second, err := b.Token(t.Context(), 77)
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.Equal(t, int32(1), calls.Load())

	// still outside the refresh margin
	now = fixedNow.Add(54 * time.Minute)
	_, err = b.Token(t.Context(), 77)
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load())

	// within five minutes of expiry
	now = fixedNow.Add(56 * time.Minute)
	_, err = b.Token(t.Context(), 77)
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestTokenInvalidate(t *testing.T) {
	var calls atomic.Int32
	srv := tokenServer(t, http.StatusCreated, time.Hour, &calls)
	b := newTestBroker(t, srv)

	_, err := b.Token(t.Context(), 77)
	require.NoError(t, err)

	b.Invalidate(77)

	tok, err := b.Token(t.Context(), 77)
	require.NoError(t, err)
	assert.Equal(t, "ghs_test2", tok.Value)
	assert.Equal(t, int32(2), calls.Load())
}

func TestTokenConcurrentRefresh(t *testing.T) {
	var calls atomic.Int32
	srv := tokenServer(t, http.StatusCreated, time.Hour, &calls)
	b := newTestBroker(t, srv)

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := b.Token(t.Context(), 77)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
}

func TestTokenConfigErrorMakesNoCall(t *testing.T) {
	var calls atomic.Int32
	srv := tokenServer(t, http.StatusCreated, time.Hour, &calls)
	b := NewTokenBroker(1, []byte("bad"), discardLogger())
	require.NoError(t, b.SetBaseURL(srv.URL))

	_, err := b.Token(t.Context(), 77)

	var cfgErr *ConfigError
	require.True(t, errors.As(err, &cfgErr))
	assert.Equal(t, int32(0), calls.Load())
}

func TestTokenExchangeSurvivesCanceledCaller(t *testing.T) {
	var calls atomic.Int32
	hit := make(chan struct{})
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			close(hit)
		}
		<-release
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		fmt.Fprintf(w, `{"token": "ghs_shared", "expires_at": %q}`, fixedNow.Add(time.Hour).Format(time.RFC3339))
	}))
	t.Cleanup(srv.Close)
	b := newTestBroker(t, srv)

	ctx, cancel := context.WithCancel(t.Context())
	firstErr := make(chan error, 1)
	go func() {
		_, err := b.Token(ctx, 77)
		firstErr <- err
	}()
	<-hit

	second := make(chan *InstallationToken, 1)
	go func() {
		tok, err := b.Token(t.Context(), 77)
		assert.NoError(t, err)
		second <- tok
	}()

	cancel()
	require.ErrorIs(t, <-firstErr, context.Canceled)
	close(release)

	tok := <-second
	require.NotNil(t, tok)
	assert.Equal(t, "ghs_shared", tok.Value)

	// the exchange finished and was cached despite the first caller leaving
	cached, err := b.Token(t.Context(), 77)
	require.NoError(t, err)
	assert.Same(t, tok, cached)
	assert.Equal(t, int32(1), calls.Load())
}
