// Package token obtains the short-lived, scoped credentials the producer
// presents when opening language connections. Issuance happens before any
// socket is opened; a failure here is a configuration error that aborts
// startup with nothing partially created.
package token

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// ErrNoAPIKey is returned by [NewHTTPIssuer] when the API key is empty.
var ErrNoAPIKey = errors.New("token: api key must not be empty")

// Credential is a short-lived scoped streaming credential.
type Credential struct {
	// Token is the opaque bearer value.
	Token string

	// ExpiresAt is when the credential stops being accepted. Zero when the
	// issuer does not report an expiry.
	ExpiresAt time.Time
}

// Issuer obtains a streaming credential.
type Issuer interface {
	// Issue requests a fresh credential. Implementations must respect
	// context cancellation.
	Issue(ctx context.Context) (Credential, error)
}

// Static is an [Issuer] that always returns a fixed token. Intended for
// development setups and tests.
type Static struct {
	Token string
}

// Issue implements [Issuer].
func (s Static) Issue(_ context.Context) (Credential, error) {
	if s.Token == "" {
		return Credential{}, ErrNoAPIKey
	}
	return Credential{Token: s.Token}, nil
}

// HTTPIssuer exchanges a long-lived API key for a short-lived scoped token
// at an issuance endpoint.
type HTTPIssuer struct {
	endpoint string
	apiKey   string
	client   *http.Client
}

// HTTPOption is a functional option for configuring an [HTTPIssuer].
type HTTPOption func(*HTTPIssuer)

// WithHTTPClient overrides the HTTP client used for issuance requests.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(i *HTTPIssuer) {
		i.client = c
	}
}

// NewHTTPIssuer creates an issuer against endpoint. apiKey must be non-empty.
func NewHTTPIssuer(endpoint, apiKey string, opts ...HTTPOption) (*HTTPIssuer, error) {
	if apiKey == "" {
		return nil, ErrNoAPIKey
	}
	i := &HTTPIssuer{
		endpoint: endpoint,
		apiKey:   apiKey,
		client:   &http.Client{Timeout: 10 * time.Second},
	}
	for _, o := range opts {
		o(i)
	}
	return i, nil
}

// issueResponse is the issuance endpoint's JSON response.
type issueResponse struct {
	Token     string    `json:"api_key"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Issue implements [Issuer]. It POSTs the API key and returns the scoped
// temporary credential.
func (i *HTTPIssuer) Issue(ctx context.Context) (Credential, error) {
	body := strings.NewReader(`{"usage_type":"transcribe_websocket"}`)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, i.endpoint, body)
	if err != nil {
		return Credential{}, fmt.Errorf("token: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+i.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := i.client.Do(req)
	if err != nil {
		return Credential{}, fmt.Errorf("token: issue request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return Credential{}, fmt.Errorf("token: issuance endpoint returned %s", resp.Status)
	}

	var out issueResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Credential{}, fmt.Errorf("token: decode response: %w", err)
	}
	if out.Token == "" {
		return Credential{}, errors.New("token: issuance response carried no credential")
	}
	return Credential{Token: out.Token, ExpiresAt: out.ExpiresAt}, nil
}
