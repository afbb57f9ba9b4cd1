// Package blob uploads tool-produced files to S3-compatible object storage
// and hands back public URLs.
package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const (
	defaultEndpointURL = "http://localhost:9000"
	defaultBucket      = "agent-files"

	// collisionTimeFormat is the MMDD_HHMMSS suffix appended to a file
	// name when the suggested one is already taken.
	collisionTimeFormat = "0102_150405"
)

// Config configures the uploader.
type Config struct {
	// EndpointURL is the object store URL. A path suffix names the
	// bucket ("http://localhost:9000/tool-files"). Defaults to a local
	// MinIO on port 9000.
	EndpointURL string
	// AccessKey and SecretKey are optional; without both, requests are
	// anonymous.
	AccessKey string
	SecretKey string
	// Bucket overrides the URL suffix and the default bucket.
	Bucket string
	// Clock overrides time.Now for collision suffixes.
	Clock func() time.Time
}

// ConfigFromEnv reads MINIO_URL, MINIO_ACCESS_KEY and MINIO_SECRET_KEY.
func ConfigFromEnv() Config {
	return Config{
		EndpointURL: os.Getenv("MINIO_URL"),
		AccessKey:   os.Getenv("MINIO_ACCESS_KEY"),
		SecretKey:   os.Getenv("MINIO_SECRET_KEY"),
	}
}

// Uploader stores files in one bucket of an S3-compatible object store.
type Uploader struct {
	client  *minio.Client
	bucket  string
	baseURL string
	clock   func() time.Time
}

// NewUploader builds an uploader from cfg. It does not dial; a bad
// endpoint surfaces on the first upload.
func NewUploader(cfg Config) (*Uploader, error) {
	endpointURL := strings.TrimSpace(cfg.EndpointURL)
	if endpointURL == "" {
		endpointURL = defaultEndpointURL
	}

	var secure bool
	switch {
	case strings.HasPrefix(endpointURL, "https://"):
		secure = true
	case strings.HasPrefix(endpointURL, "http://"):
	default:
		return nil, fmt.Errorf("blob: endpoint url %q must start with http:// or https://", endpointURL)
	}

	trimmed := strings.TrimPrefix(strings.TrimPrefix(endpointURL, "https://"), "http://")
	endpoint := trimmed
	bucket := strings.TrimSpace(cfg.Bucket)
	if host, suffix, ok := strings.Cut(trimmed, "/"); ok {
		endpoint = host
		if bucket == "" {
			bucket = strings.Trim(suffix, "/")
		}
	}
	if endpoint == "" {
		return nil, fmt.Errorf("blob: endpoint url %q has no host", endpointURL)
	}
	if bucket == "" {
		bucket = defaultBucket
	}

	creds := credentials.NewStatic("", "", "", credentials.SignatureAnonymous)
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		creds = credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, "")
	}
	client, err := minio.New(endpoint, &minio.Options{Creds: creds, Secure: secure})
	if err != nil {
		return nil, fmt.Errorf("blob: create client: %w", err)
	}

	scheme := "http"
	if secure {
		scheme = "https"
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	return &Uploader{
		client:  client,
		bucket:  bucket,
		baseURL: scheme + "://" + endpoint,
		clock:   clock,
	}, nil
}

// Bucket returns the bucket uploads land in.
func (u *Uploader) Bucket() string {
	return u.bucket
}

// BaseURL returns the object store URL without bucket or object path.
func (u *Uploader) BaseURL() string {
	return u.baseURL
}

// Upload stores the reader's content under suggestedName and returns the
// public URL. When the name is already taken, a timestamp suffix goes
// before the extension. size may be -1 when unknown; the client then
// falls back to multipart streaming.
func (u *Uploader) Upload(ctx context.Context, reader io.Reader, size int64, suggestedName, contentType string) (string, error) {
	if u == nil || u.client == nil {
		return "", errors.New("blob: uploader is not configured")
	}
	name := strings.TrimSpace(suggestedName)
	if name == "" {
		return "", errors.New("blob: file name is required")
	}

	resolved, err := u.resolveName(ctx, name)
	if err != nil {
		return "", err
	}

	options := minio.PutObjectOptions{ContentType: contentType}
	if _, err := u.client.PutObject(ctx, u.bucket, resolved, reader, size, options); err != nil {
		return "", fmt.Errorf("blob: upload %q: %w", resolved, err)
	}

	return u.baseURL + "/" + u.bucket + "/" + resolved, nil
}

// resolveName keeps name unless that object already exists.
func (u *Uploader) resolveName(ctx context.Context, name string) (string, error) {
	_, err := u.client.StatObject(ctx, u.bucket, name, minio.StatObjectOptions{})
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return name, nil
		}
		return "", fmt.Errorf("blob: stat %q: %w", name, err)
	}

	ext := path.Ext(name)
	base := strings.TrimSuffix(name, ext)
	return fmt.Sprintf("%s_%s%s", base, u.clock().Format(collisionTimeFormat), ext), nil
}
