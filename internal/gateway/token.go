package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// TokenSource supplies the short-lived gateway credential used in the
// connect handshake. Invalidate discards any cached value so the next Token
// call fetches a fresh one (the gateway has rejected the old credential).
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	Invalidate()
}

// EdgeTokenSource fetches the credential from the hosting application's own
// authenticated token endpoint and caches it until expiry or invalidation.
type EdgeTokenSource struct {
	endpoint string
	bearer   string
	client   *http.Client
	logger   zerolog.Logger

	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

// NewEdgeTokenSource creates a token source for the given endpoint, guarded
// by the application's own bearer token.
func NewEdgeTokenSource(endpoint, bearer string, logger zerolog.Logger) *EdgeTokenSource {
	return &EdgeTokenSource{
		endpoint: endpoint,
		bearer:   bearer,
		client:   &http.Client{Timeout: 10 * time.Second},
		logger:   logger.With().Str("component", "token-source").Logger(),
	}
}

type tokenResponse struct {
	Token     string `json:"token"`
	ExpiresAt int64  `json:"expiresAt"` // unix ms
}

// Token returns the cached credential, fetching a new one when the cache is
// empty or within 10 seconds of expiry.
func (s *EdgeTokenSource) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.token != "" && time.Now().Before(s.expiresAt.Add(-10*time.Second)) {
		return s.token, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("building token request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.bearer)

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetching gateway token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("token endpoint returned status %d", resp.StatusCode)
	}

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return "", fmt.Errorf("decoding token response: %w", err)
	}
	if tr.Token == "" {
		return "", fmt.Errorf("token endpoint returned an empty token")
	}

	s.token = tr.Token
	if tr.ExpiresAt > 0 {
		s.expiresAt = time.UnixMilli(tr.ExpiresAt)
	} else {
		s.expiresAt = time.Now().Add(time.Minute)
	}

	s.logger.Debug().Time("expires_at", s.expiresAt).Msg("gateway token refreshed")
	return s.token, nil
}

// Invalidate discards the cached credential.
func (s *EdgeTokenSource) Invalidate() {
	s.mu.Lock()
	s.token = ""
	s.expiresAt = time.Time{}
	s.mu.Unlock()
}
