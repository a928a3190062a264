package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/dunamismax/styleforge/internal/id"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

var (
	ErrObjectNotFound = errors.New("object not found")
	ErrForeignURL     = errors.New("url does not belong to this blob store")
)

type Config struct {
	Endpoint      string
	Access        string
	Secret        string
	Bucket        string
	UseSSL        bool
	PublicBaseURL string
}

// Client is the blob gateway backed by an S3-compatible bucket. Objects are
// addressed by URLs of the form <base>/<key>.
type Client struct {
	minio   *minio.Client
	bucket  string
	baseURL string
}

func NewClient(cfg Config) (*Client, error) {
	mc, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.Access, cfg.Secret, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, fmt.Errorf("bucket is required")
	}

	baseURL := strings.TrimRight(strings.TrimSpace(cfg.PublicBaseURL), "/")
	if baseURL == "" {
		scheme := "http"
		if cfg.UseSSL {
			scheme = "https"
		}
		baseURL = fmt.Sprintf("%s://%s/%s", scheme, cfg.Endpoint, cfg.Bucket)
	}

	return &Client{
		minio:   mc,
		bucket:  cfg.Bucket,
		baseURL: baseURL,
	}, nil
}

func (c *Client) Bucket() string {
	return c.bucket
}

func (c *Client) EnsureBucket(ctx context.Context) error {
	exists, err := c.minio.BucketExists(ctx, c.bucket)
	if err != nil {
		return fmt.Errorf("check bucket existence: %w", err)
	}
	if exists {
		return nil
	}

	if err := c.minio.MakeBucket(ctx, c.bucket, minio.MakeBucketOptions{}); err != nil {
		exists, checkErr := c.minio.BucketExists(ctx, c.bucket)
		if checkErr == nil && exists {
			return nil
		}
		return fmt.Errorf("create bucket %s: %w", c.bucket, err)
	}

	return nil
}

// Put stores data under a fresh key in folder and returns its URL.
func (c *Client) Put(ctx context.Context, data []byte, folder string) (string, error) {
	objectKey, contentType := NewObjectKey(folder, data)
	_, err := c.minio.PutObject(
		ctx,
		c.bucket,
		objectKey,
		bytes.NewReader(data),
		int64(len(data)),
		minio.PutObjectOptions{ContentType: contentType},
	)
	if err != nil {
		return "", fmt.Errorf("put object %s: %w", objectKey, err)
	}
	return joinURL(c.baseURL, objectKey), nil
}

func (c *Client) Get(ctx context.Context, url string) ([]byte, error) {
	objectKey, err := keyFromURL(c.baseURL, url)
	if err != nil {
		return nil, err
	}

	obj, err := c.minio.GetObject(ctx, c.bucket, objectKey, minio.GetObjectOptions{})
	if err != nil {
		return nil, classifyObjectError(objectKey, "get", err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, classifyObjectError(objectKey, "read", err)
	}
	return data, nil
}

// Delete removes the object behind url. Missing objects are not an error.
func (c *Client) Delete(ctx context.Context, url string) error {
	objectKey, err := keyFromURL(c.baseURL, url)
	if err != nil {
		return err
	}

	if err := c.minio.RemoveObject(ctx, c.bucket, objectKey, minio.RemoveObjectOptions{}); err != nil {
		if isNotFound(err) {
			return nil
		}
		return fmt.Errorf("remove object %s: %w", objectKey, err)
	}
	return nil
}

func classifyObjectError(objectKey, op string, err error) error {
	if isNotFound(err) {
		return fmt.Errorf("%s object %s: %w", op, objectKey, ErrObjectNotFound)
	}
	return fmt.Errorf("%s object %s: %w", op, objectKey, err)
}

func isNotFound(err error) bool {
	resp := minio.ToErrorResponse(err)
	return resp.Code == "NoSuchKey" || resp.Code == "NoSuchObject" || resp.StatusCode == http.StatusNotFound
}

// NewObjectKey builds a collision-resistant key in folder with an extension
// derived from the sniffed content type.
func NewObjectKey(folder string, data []byte) (objectKey, contentType string) {
	contentType = http.DetectContentType(data)
	folder = strings.Trim(strings.TrimSpace(folder), "/")
	if folder == "" {
		folder = "misc"
	}
	return path.Join(folder, id.Key()+"."+extensionForContentType(contentType)), contentType
}

func extensionForContentType(contentType string) string {
	switch contentType {
	case "image/jpeg":
		return "jpg"
	case "image/png":
		return "png"
	case "image/gif":
		return "gif"
	case "image/webp":
		return "webp"
	default:
		return "bin"
	}
}

func joinURL(baseURL, objectKey string) string {
	return baseURL + "/" + objectKey
}

func keyFromURL(baseURL, url string) (string, error) {
	prefix := baseURL + "/"
	if !strings.HasPrefix(url, prefix) {
		return "", fmt.Errorf("%w: %s", ErrForeignURL, url)
	}
	objectKey := strings.TrimPrefix(url, prefix)
	if objectKey == "" || strings.Contains(objectKey, "..") {
		return "", fmt.Errorf("%w: %s", ErrForeignURL, url)
	}
	return objectKey, nil
}
