package session

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"chatbridge/internal/metrics"
	"chatbridge/internal/transport"
)

const (
	DefaultMaxAttachmentBytes = 16 << 20
	DefaultFetchTimeout       = 30 * time.Second
)

type AttachmentConfig struct {
	MaxBytes int64
	Timeout  time.Duration
	// Client overrides the HTTP client; its Timeout is left untouched.
	Client *http.Client
}

// Fetcher downloads image attachments.
type Fetcher struct {
	client   *http.Client
	maxBytes int64
	timeout  time.Duration
}

func NewFetcher(cfg AttachmentConfig) *Fetcher {
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = DefaultMaxAttachmentBytes
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultFetchTimeout
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &Fetcher{client: client, maxBytes: cfg.MaxBytes, timeout: cfg.Timeout}
}

// Fetch downloads rawURL. Every rejection wraps ErrInvalidAttachment.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (*transport.Image, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, fmt.Errorf("%w: url must be http(s): %q", ErrInvalidAttachment, rawURL)
	}

	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAttachment, err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: fetch: %v", ErrInvalidAttachment, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("%w: fetch: http %d", ErrInvalidAttachment, resp.StatusCode)
	}
	if resp.ContentLength > f.maxBytes {
		return nil, fmt.Errorf("%w: %d bytes exceeds limit of %d", ErrInvalidAttachment, resp.ContentLength, f.maxBytes)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("%w: read: %v", ErrInvalidAttachment, err)
	}
	if int64(len(data)) > f.maxBytes {
		return nil, fmt.Errorf("%w: payload exceeds limit of %d bytes", ErrInvalidAttachment, f.maxBytes)
	}
	metrics.AttachmentBytes.Observe(float64(len(data)))

	ct := detectContentType(data, resp.Header.Get("Content-Type"), u.Path)
	if !strings.HasPrefix(ct, "image/") {
		return nil, fmt.Errorf("%w: content type %q is not an image", ErrInvalidAttachment, ct)
	}

	name := path.Base(u.Path)
	if name == "/" || name == "." || name == "" {
		name = "image"
		if exts, _ := mime.ExtensionsByType(ct); len(exts) > 0 {
			name += exts[0]
		}
	}
	return &transport.Image{Data: data, ContentType: ct, FileName: name}, nil
}

// detectContentType sniffs the payload first, then trusts the response
// header, then guesses from the URL extension.
func detectContentType(data []byte, header, urlPath string) string {
	if sniffed := mediaType(http.DetectContentType(data)); !genericType(sniffed) {
		return sniffed
	}
	if h := mediaType(header); h != "" && !genericType(h) {
		return h
	}
	if byExt := mediaType(mime.TypeByExtension(strings.ToLower(path.Ext(urlPath)))); byExt != "" {
		return byExt
	}
	return "application/octet-stream"
}

// genericType reports sniff results that carry no real information.
func genericType(ct string) bool {
	return ct == "" || ct == "application/octet-stream" || ct == "text/plain"
}

func mediaType(v string) string {
	if v == "" {
		return ""
	}
	mt, _, err := mime.ParseMediaType(v)
	if err != nil {
		return ""
	}
	return strings.ToLower(mt)
}
