package remote

import (
	"bytes"
	"context"
	"crypto/sha256"
	"crypto/tls"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/time/rate"
)

// HTTPConfig tunes the HTTP transport of API clients.
type HTTPConfig struct {
	// Timeout per request.
	Timeout time.Duration

	// RetryCount is the number of retries for retryable failures.
	RetryCount int

	// RetryWait is the initial wait between retries.
	RetryWait time.Duration
}

// DefaultHTTPConfig returns the transport settings used by the pve and pbs
// clients.
func DefaultHTTPConfig() HTTPConfig {
	return HTTPConfig{
		Timeout:    30 * time.Second,
		RetryCount: 2,
		RetryWait:  200 * time.Millisecond,
	}
}

// HTTPClient is a rate limited JSON API client for one remote. Responses are
// expected in the {"data": ...} envelope used by PVE and PBS.
type HTTPClient struct {
	remote  Remote
	client  *resty.Client
	limiter *rate.Limiter
}

// NewHTTPClient creates an API client for r. authHeader is the value of the
// Authorization header.
func NewHTTPClient(r Remote, authHeader string, config HTTPConfig) (*HTTPClient, error) {
	baseURL, err := r.BaseURL()
	if err != nil {
		return nil, err
	}

	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(config.Timeout).
		SetHeader("Authorization", authHeader).
		SetHeader("Accept", "application/json").
		SetRetryCount(config.RetryCount).
		SetRetryWaitTime(config.RetryWait).
		SetRetryMaxWaitTime(10 * config.RetryWait).
		AddRetryCondition(func(resp *resty.Response, err error) bool {
			if err != nil {
				return IsRetryable(err)
			}
			return resp.StatusCode() >= 500 || resp.StatusCode() == http.StatusTooManyRequests
		})

	if r.Fingerprint != "" {
		tlsConfig, err := pinnedTLSConfig(r.Fingerprint)
		if err != nil {
			return nil, fmt.Errorf("remote %s: %w", r.ID, err)
		}
		client.SetTLSClientConfig(tlsConfig)
	}

	limit := rate.Inf
	if r.RequestsPerSecond > 0 {
		limit = rate.Limit(r.RequestsPerSecond)
	}

	return &HTTPClient{
		remote:  r,
		client:  client,
		limiter: rate.NewLimiter(limit, 1),
	}, nil
}

// Remote returns the remote this client talks to.
func (c *HTTPClient) Remote() Remote {
	return c.remote
}

// Get requests path relative to the API root and decodes the data member of
// the response into out.
func (c *HTTPClient) Get(ctx context.Context, path string, query map[string]string, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	resp, err := c.client.R().
		SetContext(ctx).
		SetQueryParams(query).
		Get(path)
	if err != nil {
		return fmt.Errorf("remote %s: GET %s: %w", c.remote.ID, path, err)
	}
	if resp.IsError() {
		return fmt.Errorf("remote %s: %w", c.remote.ID, &StatusError{
			Method: http.MethodGet,
			Path:   path,
			Code:   resp.StatusCode(),
			Body:   strings.TrimSpace(resp.String()),
		})
	}

	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(resp.Body(), &envelope); err != nil {
		return fmt.Errorf("remote %s: GET %s: failed to decode response: %w", c.remote.ID, path, err)
	}
	if out == nil {
		return nil
	}
	if len(envelope.Data) == 0 || bytes.Equal(envelope.Data, []byte("null")) {
		return fmt.Errorf("remote %s: GET %s: response has no data", c.remote.ID, path)
	}
	if err := json.Unmarshal(envelope.Data, out); err != nil {
		return fmt.Errorf("remote %s: GET %s: failed to decode data: %w", c.remote.ID, path, err)
	}
	return nil
}

// pinnedTLSConfig accepts exactly the certificate with the given SHA-256
// fingerprint, in hex with optional colons.
func pinnedTLSConfig(fingerprint string) (*tls.Config, error) {
	want, err := hex.DecodeString(strings.ReplaceAll(fingerprint, ":", ""))
	if err != nil || len(want) != sha256.Size {
		return nil, fmt.Errorf("%w: invalid fingerprint %q", ErrInvalidConfig, fingerprint)
	}

	return &tls.Config{
		// The chain is not verified against system roots; the pinned
		// fingerprint is checked in VerifyConnection instead.
		InsecureSkipVerify: true,
		VerifyConnection: func(cs tls.ConnectionState) error {
			if len(cs.PeerCertificates) == 0 {
				return fmt.Errorf("server sent no certificate")
			}
			got := sha256.Sum256(cs.PeerCertificates[0].Raw)
			if !bytes.Equal(got[:], want) {
				return fmt.Errorf("certificate fingerprint mismatch: got %s", FormatFingerprint(got[:]))
			}
			return nil
		},
	}, nil
}

// FormatFingerprint formats a certificate digest as colon separated hex.
func FormatFingerprint(sum []byte) string {
	parts := make([]string, len(sum))
	for i, b := range sum {
		parts[i] = fmt.Sprintf("%02x", b)
	}
	return strings.Join(parts, ":")
}
