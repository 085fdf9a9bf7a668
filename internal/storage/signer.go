// Package storage turns object references into time-limited signed URLs and fetches them.
package storage

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// URLSigner issues a short-lived read URL for an object key.
type URLSigner interface {
	SignedURL(ctx context.Context, key string) (string, error)
}

const defaultTTL = 15 * time.Minute

// ObjectKey strips a leading slash and any s3://bucket/ prefix from a reference.
func ObjectKey(ref string) string {
	ref = strings.TrimSpace(ref)
	if strings.HasPrefix(ref, "s3://") {
		rest := strings.TrimPrefix(ref, "s3://")
		if idx := strings.Index(rest, "/"); idx >= 0 {
			return rest[idx+1:]
		}
		return ""
	}
	return strings.TrimPrefix(ref, "/")
}

// IsAbsoluteURL reports whether ref is already an http(s) URL.
func IsAbsoluteURL(ref string) bool {
	u, err := url.Parse(strings.TrimSpace(ref))
	return err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

type presignGetAPI interface {
	PresignGetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

// S3Signer presigns GetObject requests.
type S3Signer struct {
	presigner presignGetAPI
	bucket    string
	ttl       time.Duration
}

func NewS3Signer(client *s3.Client, bucket string, ttl time.Duration) *S3Signer {
	if client == nil {
		panic("storage: s3 client required")
	}
	return newS3SignerWithPresigner(s3.NewPresignClient(client), bucket, ttl)
}

func newS3SignerWithPresigner(presigner presignGetAPI, bucket string, ttl time.Duration) *S3Signer {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &S3Signer{presigner: presigner, bucket: bucket, ttl: ttl}
}

func (s *S3Signer) SignedURL(ctx context.Context, key string) (string, error) {
	key = ObjectKey(key)
	if key == "" {
		return "", errors.New("storage: object key required")
	}
	req, err := s.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: &s.bucket,
		Key:    &key,
	}, s3.WithPresignExpires(s.ttl))
	if err != nil {
		return "", fmt.Errorf("storage: presign %s: %w", key, err)
	}
	return req.URL, nil
}
