package sync

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sethvargo/go-retry"
)

const (
	pushPath       = "/sync/push"
	requestTimeout = 10 * time.Second
	// Two retries after the initial attempt, three attempts total.
	maxRetries   = 2
	retryBackoff = 500 * time.Millisecond
)

// AdapterClient pushes canonical state to platform adapters over HTTP.
// Requests are signed with the platform's shared secret; transient
// failures are retried with exponential backoff before the caller
// degrades the pair.
type AdapterClient struct {
	http    *http.Client
	urls    map[string]string // platform -> adapter base URL
	secrets map[string]string // platform -> shared HMAC secret
}

func NewAdapterClient(urls, secrets map[string]string) *AdapterClient {
	return &AdapterClient{
		http:    &http.Client{Timeout: requestTimeout},
		urls:    urls,
		secrets: secrets,
	}
}

func (c *AdapterClient) Push(ctx context.Context, platform string, state *PushState) error {
	base, ok := c.urls[platform]
	if !ok {
		// No adapter registered means nothing to push to; the canonical
		// ledger is still authoritative.
		return nil
	}
	body, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("sync: marshal push: %w", err)
	}

	backoff := retry.WithMaxRetries(maxRetries, retry.NewExponential(retryBackoff))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := c.pushOnce(ctx, platform, base+pushPath, body); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
}

func (c *AdapterClient) pushOnce(ctx context.Context, platform, url string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Platform", platform)
	req.Header.Set("X-Signature", Sign(c.secrets[platform], body))

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		return fmt.Errorf("sync: adapter %s returned %d", platform, resp.StatusCode)
	}
	return nil
}

// Sign computes the hex HMAC-SHA256 of body under the shared secret. The
// same scheme authenticates inbound platform requests.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature reports whether sig is a valid signature of body in
// constant time.
func VerifySignature(secret string, body []byte, sig string) bool {
	expected, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), expected)
}
