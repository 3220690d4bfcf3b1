// Package storage stores gallery images in an S3-compatible object store.
package storage

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Config holds the object store connection settings.
type Config struct {
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	BucketName      string
	Region          string
	UseSSL          bool

	// PublicBaseURL is the externally reachable URL prefix for uploaded
	// objects, e.g. a CDN origin. Empty means URLs are built from Endpoint.
	PublicBaseURL string
}

// ImageStore uploads and removes gallery images.
type ImageStore struct {
	client        *minio.Client
	bucketName    string
	publicBaseURL string
}

// New creates an ImageStore and ensures the bucket exists.
func New(ctx context.Context, cfg Config) (*ImageStore, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("create object store client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.BucketName)
	if err != nil {
		return nil, fmt.Errorf("check bucket existence: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.BucketName, minio.MakeBucketOptions{Region: cfg.Region}); err != nil {
			return nil, fmt.Errorf("create bucket: %w", err)
		}
	}

	publicBaseURL := strings.TrimSuffix(cfg.PublicBaseURL, "/")
	if publicBaseURL == "" {
		scheme := "http"
		if cfg.UseSSL {
			scheme = "https"
		}
		publicBaseURL = fmt.Sprintf("%s://%s/%s", scheme, cfg.Endpoint, cfg.BucketName)
	}

	return &ImageStore{
		client:        client,
		bucketName:    cfg.BucketName,
		publicBaseURL: publicBaseURL,
	}, nil
}

// Upload stores an image under a fresh random object name, keeping the
// original extension, and returns its public URL.
func (s *ImageStore) Upload(ctx context.Context, filename, contentType string, reader io.Reader, size int64) (string, error) {
	objectName := objectNameFor(filename)

	_, err := s.client.PutObject(ctx, s.bucketName, objectName, reader, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return "", fmt.Errorf("upload image: %w", err)
	}

	return s.publicBaseURL + "/" + objectName, nil
}

// Delete removes an image object.
func (s *ImageStore) Delete(ctx context.Context, objectName string) error {
	if err := s.client.RemoveObject(ctx, s.bucketName, objectName, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("delete image: %w", err)
	}

	return nil
}

// DeleteByURL removes the object behind one of this store's public URLs.
// URLs that point elsewhere (external image sources) are left alone.
func (s *ImageStore) DeleteByURL(ctx context.Context, url string) error {
	objectName, ok := objectNameFromURL(s.publicBaseURL, url)
	if !ok {
		return nil
	}

	return s.Delete(ctx, objectName)
}

func objectNameFromURL(publicBaseURL, url string) (string, bool) {
	objectName, ok := strings.CutPrefix(url, publicBaseURL+"/")
	if !ok || objectName == "" {
		return "", false
	}

	return objectName, true
}

func objectNameFor(filename string) string {
	ext := strings.ToLower(path.Ext(filename))
	switch ext {
	case ".png", ".jpg", ".jpeg", ".gif", ".webp", ".avif":
	default:
		ext = ""
	}

	return "images/" + uuid.NewString() + ext
}
