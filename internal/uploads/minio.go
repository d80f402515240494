// Package uploads stores note images in S3-compatible object storage and
// hands back stable public URLs for rewritten markdown.
package uploads

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log"
	"path"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Config carries the object storage connection settings.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
	// PublicURL is the externally reachable base (reverse proxy or CDN) the
	// rewritten image links point at.
	PublicURL string
}

var contentTypes = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".gif":  "image/gif",
	".bmp":  "image/bmp",
	".svg":  "image/svg+xml",
	".webp": "image/webp",
	".tiff": "image/tiff",
}

// Service uploads images to a single bucket, keyed by room.
type Service struct {
	client    *minio.Client
	bucket    string
	publicURL string
}

// New connects to the object store. It does not create the bucket; call
// EnsureBucket once at startup.
func New(cfg Config) (*Service, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("connect object storage: %w", err)
	}
	return &Service{
		client:    client,
		bucket:    cfg.Bucket,
		publicURL: strings.TrimRight(cfg.PublicURL, "/"),
	}, nil
}

// EnsureBucket creates the bucket if it does not exist and opens it for
// anonymous reads, since image URLs are embedded in shared handouts.
func (s *Service) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", s.bucket, err)
	}
	if !exists {
		if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("create bucket %s: %w", s.bucket, err)
		}
		log.Printf("uploads: created bucket %s", s.bucket)
	}

	policy := fmt.Sprintf(`{
		"Version": "2012-10-17",
		"Statement": [{
			"Effect": "Allow",
			"Principal": {"AWS": ["*"]},
			"Action": ["s3:GetObject"],
			"Resource": ["arn:aws:s3:::%s/*"]
		}]
	}`, s.bucket)
	if err := s.client.SetBucketPolicy(ctx, s.bucket, policy); err != nil {
		// Not fatal: some deployments manage the policy out of band.
		log.Printf("uploads: set bucket policy for %s: %v", s.bucket, err)
	}
	return nil
}

// PutImage uploads one image and returns its public URL. The object key is
// derived from the source path, so republishing the same image overwrites
// in place instead of accumulating copies.
func (s *Service) PutImage(ctx context.Context, roomID, localPath string, data []byte) (string, error) {
	key := s.objectKey(roomID, localPath)

	contentType := contentTypes[strings.ToLower(path.Ext(localPath))]
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	_, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType:  contentType,
		CacheControl: "public, max-age=31536000",
	})
	if err != nil {
		return "", fmt.Errorf("upload %s: %w", key, err)
	}
	return s.URLFor(key), nil
}

// RemoveImage deletes a previously uploaded image.
func (s *Service) RemoveImage(ctx context.Context, roomID, localPath string) error {
	key := s.objectKey(roomID, localPath)
	if err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("remove %s: %w", key, err)
	}
	return nil
}

// URLFor returns the public URL for an object key.
func (s *Service) URLFor(key string) string {
	return s.publicURL + "/" + s.bucket + "/" + key
}

// objectKey hashes the source path so vault-relative paths with slashes or
// spaces map to a flat, URL-safe name while staying stable across publishes.
func (s *Service) objectKey(roomID, localPath string) string {
	sum := sha256.Sum256([]byte(localPath))
	name := sanitizeName(path.Base(localPath))
	return "rooms/" + roomID + "/images/" + hex.EncodeToString(sum[:8]) + "-" + name
}

func sanitizeName(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	return b.String()
}
