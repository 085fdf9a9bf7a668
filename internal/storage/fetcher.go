package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path"
	"strings"
	"time"
)

// DefaultMaxBytes caps how much of an object Fetch will read.
const DefaultMaxBytes = 20 << 20

// ErrTooLarge is returned when an object exceeds the fetcher's size cap.
var ErrTooLarge = errors.New("storage: object too large")

// Object is a fetched file.
type Object struct {
	Data        []byte
	ContentType string
}

type httpDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Fetcher downloads objects through signed URLs. Absolute http(s) references
// are fetched as-is.
type Fetcher struct {
	signer   URLSigner
	client   httpDoer
	maxBytes int64
}

func NewFetcher(signer URLSigner, client httpDoer) *Fetcher {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Fetcher{signer: signer, client: client, maxBytes: DefaultMaxBytes}
}

func (f *Fetcher) resolve(ctx context.Context, ref string) (string, error) {
	if IsAbsoluteURL(ref) {
		return strings.TrimSpace(ref), nil
	}
	if f.signer == nil {
		return "", fmt.Errorf("storage: no signer configured for %q", ref)
	}
	return f.signer.SignedURL(ctx, ref)
}

func (f *Fetcher) Fetch(ctx context.Context, ref string) (Object, error) {
	target, err := f.resolve(ctx, ref)
	if err != nil {
		return Object{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return Object{}, fmt.Errorf("storage: build request: %w", err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return Object{}, fmt.Errorf("storage: fetch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Object{}, fmt.Errorf("storage: fetch returned status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return Object{}, fmt.Errorf("storage: read body: %w", err)
	}
	if int64(len(data)) > f.maxBytes {
		return Object{}, ErrTooLarge
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" || contentType == "application/octet-stream" {
		if byExt := ContentTypeFor(ref); byExt != "" {
			contentType = byExt
		}
	}
	return Object{Data: data, ContentType: contentType}, nil
}

// ContentTypeFor guesses a MIME type from the reference's extension.
func ContentTypeFor(ref string) string {
	clean := ref
	if idx := strings.IndexAny(clean, "?#"); idx >= 0 {
		clean = clean[:idx]
	}
	ext := strings.ToLower(path.Ext(clean))
	switch ext {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".webp":
		return "image/webp"
	case ".gif":
		return "image/gif"
	case ".dcm", ".dicom":
		return "application/dicom"
	case "":
		return ""
	}
	return mime.TypeByExtension(ext)
}
