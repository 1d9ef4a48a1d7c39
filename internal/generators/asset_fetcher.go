package generators

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const defaultFetchTimeout = 30 * time.Second

// ErrInvalidImage is returned when bytes do not start with a known image signature.
var ErrInvalidImage = errors.New("not a valid image")

// AssetFetcher turns image candidates into validated bytes.
type AssetFetcher struct {
	httpClient *http.Client
}

// NewAssetFetcher creates a fetcher whose downloads are bounded by timeout.
func NewAssetFetcher(timeout time.Duration) *AssetFetcher {
	if timeout <= 0 {
		timeout = defaultFetchTimeout
	}
	return &AssetFetcher{
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Resolve returns the bytes a candidate points at.
func (f *AssetFetcher) Resolve(ctx context.Context, c Candidate) ([]byte, error) {
	if c.Bytes != nil {
		return c.Bytes, nil
	}
	if isHTTPURL(c.Text) {
		return f.Download(ctx, c.Text)
	}
	if data, ok := DecodeBase64Image(c.Text); ok {
		return data, nil
	}
	return nil, fmt.Errorf("unsupported image payload format")
}

// ResolvePayload extracts a candidate from a JSON payload and resolves it.
func (f *AssetFetcher) ResolvePayload(ctx context.Context, payload []byte, provider string) ([]byte, error) {
	c, ok := ExtractCandidate(payload)
	if !ok {
		return nil, fmt.Errorf("[%s] %w", provider, ErrNoImageCandidate)
	}
	data, err := f.Resolve(ctx, c)
	if err != nil {
		return nil, fmt.Errorf("[%s] %w", provider, err)
	}
	return data, nil
}

// Download fetches a URL. Any non-2xx status fails before the body is interpreted.
func (f *AssetFetcher) Download(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create download request: %w", err)
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to download image: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("image download failed with status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read image body: %w", err)
	}
	return data, nil
}

// StripDataURIPrefix removes a "data:<mime>;base64," header if present.
func StripDataURIPrefix(s string) string {
	if strings.HasPrefix(s, "data:") {
		if i := strings.Index(s, ","); i >= 0 {
			return s[i+1:]
		}
	}
	return s
}

// DecodeBase64Image strictly decodes base64 text. Strings that are URLs are rejected.
func DecodeBase64Image(s string) ([]byte, bool) {
	candidate := strings.TrimSpace(StripDataURIPrefix(s))
	if isHTTPURL(candidate) {
		return nil, false
	}
	data, err := base64.StdEncoding.Strict().DecodeString(candidate)
	if err != nil {
		return nil, false
	}
	return data, true
}

// EncodeBase64 is the inverse of DecodeBase64Image for plain base64 text.
func EncodeBase64(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

var (
	jpegMagic = []byte{0xFF, 0xD8, 0xFF}
	pngMagic  = []byte{0x89, 'P', 'N', 'G'}
	gifMagic  = []byte("GIF8")
	riffMagic = []byte("RIFF")
	webpMagic = []byte("WEBP")
)

// ValidateImage checks the leading bytes against JPEG, PNG, WEBP and GIF signatures.
func ValidateImage(data []byte, provider string) error {
	if len(data) < 4 {
		return fmt.Errorf("[%s] image data too small (%d bytes): %w", provider, len(data), ErrInvalidImage)
	}
	switch {
	case bytes.HasPrefix(data, jpegMagic),
		bytes.HasPrefix(data, pngMagic),
		bytes.HasPrefix(data, gifMagic):
		return nil
	case bytes.HasPrefix(data, riffMagic) && len(data) >= 12 && bytes.Equal(data[8:12], webpMagic):
		return nil
	}
	head := data
	if len(head) > 16 {
		head = head[:16]
	}
	return fmt.Errorf("[%s] downloaded data is %w (first bytes: %s)", provider, ErrInvalidImage, hex.EncodeToString(head))
}
