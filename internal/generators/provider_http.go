package generators

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ErrNotConfigured is returned by a provider that lacks credentials.
var ErrNotConfigured = errors.New("provider not configured")

const defaultProviderTimeout = 120 * time.Second

// maxErrorBody bounds the upstream text copied into error messages.
const maxErrorBody = 500

// httpResponse is a fully read upstream response.
type httpResponse struct {
	StatusCode int
	Body       []byte
}

func (r *httpResponse) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// Snippet returns a bounded copy of the body for logs and errors.
func (r *httpResponse) Snippet() string {
	return truncateText(string(r.Body), maxErrorBody)
}

func newHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = defaultProviderTimeout
	}
	return &http.Client{Timeout: timeout}
}

// doJSON sends body (if any) as JSON and reads the whole response.
func doJSON(ctx context.Context, client *http.Client, method, url string, headers map[string]string, body interface{}) (*httpResponse, error) {
	var reader io.Reader
	if body != nil {
		var data []byte
		switch v := body.(type) {
		case []byte:
			data = v
		default:
			var err error
			data, err = json.Marshal(v)
			if err != nil {
				return nil, fmt.Errorf("failed to marshal request: %w", err)
			}
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	return &httpResponse{StatusCode: resp.StatusCode, Body: data}, nil
}

func bearer(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

// PromptHash is the short stable hash used to log prompts without their text.
func PromptHash(text string) string {
	if text == "" {
		return strings.Repeat("0", 12)
	}
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])[:12]
}

func truncateText(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
