package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/Skryldev/image-optimizer/config"
)

const defaultS3Endpoint = "s3.amazonaws.com"

// MinioClient implements S3Client with minio-go.
type MinioClient struct {
	client *minio.Client
}

// NewMinioClient builds a client from cfg.  Static credentials are used when
// both keys are set; otherwise the AWS/MinIO environment, the shared
// credentials file and IAM are consulted in that order.
func NewMinioClient(cfg config.S3Config) (*MinioClient, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		endpoint = defaultS3Endpoint
	}
	endpoint = strings.TrimPrefix(strings.TrimPrefix(endpoint, "https://"), "http://")

	var creds *credentials.Credentials
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		creds = credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, "")
	} else {
		creds = credentials.NewChainCredentials([]credentials.Provider{
			&credentials.EnvAWS{},
			&credentials.EnvMinio{},
			&credentials.FileAWSCredentials{},
			&credentials.IAM{},
		})
	}
	options := &minio.Options{
		Creds:  creds,
		Secure: !cfg.Insecure,
		Region: cfg.Region,
	}
	if cfg.UsePathStyle {
		options.BucketLookup = minio.BucketLookupPath
	}
	client, err := minio.New(endpoint, options)
	if err != nil {
		return nil, fmt.Errorf("s3: create client: %w", err)
	}
	return &MinioClient{client: client}, nil
}

// Client exposes the underlying minio client.
func (m *MinioClient) Client() *minio.Client { return m.client }

func (m *MinioClient) PutObject(ctx context.Context, bucket, key string, body io.Reader, meta map[string]string) error {
	payload, err := io.ReadAll(body)
	if err != nil {
		return fmt.Errorf("s3: read body: %w", err)
	}
	opts := minio.PutObjectOptions{
		ContentType:  http.DetectContentType(payload),
		UserMetadata: meta,
	}
	if _, err := m.client.PutObject(ctx, bucket, key, bytes.NewReader(payload), int64(len(payload)), opts); err != nil {
		return fmt.Errorf("s3: put %s: %w", key, err)
	}
	return nil
}

func (m *MinioClient) GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	obj, err := m.client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("s3: get %s: %w", key, err)
	}
	// GetObject is lazy; Stat surfaces a missing key before the caller reads.
	if _, err := obj.Stat(); err != nil {
		obj.Close()
		return nil, fmt.Errorf("s3: get %s: %w", key, err)
	}
	return obj, nil
}

func (m *MinioClient) DeleteObject(ctx context.Context, bucket, key string) error {
	if err := m.client.RemoveObject(ctx, bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("s3: remove %s: %w", key, err)
	}
	return nil
}

func (m *MinioClient) HeadObject(ctx context.Context, bucket, key string) (bool, error) {
	_, err := m.client.StatObject(ctx, bucket, key, minio.StatObjectOptions{})
	if err == nil {
		return true, nil
	}
	if isNotFound(err) {
		return false, nil
	}
	return false, fmt.Errorf("s3: stat %s: %w", key, err)
}

func (m *MinioClient) StatObject(ctx context.Context, bucket, key string) (map[string]string, error) {
	info, err := m.client.StatObject(ctx, bucket, key, minio.StatObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("s3: stat %s: %w", key, err)
	}
	meta := make(map[string]string, len(info.UserMetadata))
	for k, v := range info.UserMetadata {
		meta[strings.ToLower(k)] = v
	}
	if len(meta) == 0 {
		for k, vs := range info.Metadata {
			lk := strings.ToLower(k)
			if strings.HasPrefix(lk, "x-amz-meta-") && len(vs) > 0 {
				meta[strings.TrimPrefix(lk, "x-amz-meta-")] = vs[0]
			}
		}
	}
	return meta, nil
}

func (m *MinioClient) ListObjects(ctx context.Context, bucket, prefix string) ([]string, error) {
	opts := minio.ListObjectsOptions{Prefix: prefix, Recursive: true}
	var keys []string
	for object := range m.client.ListObjects(ctx, bucket, opts) {
		if object.Err != nil {
			return nil, fmt.Errorf("s3: list: %w", object.Err)
		}
		keys = append(keys, object.Key)
	}
	return keys, nil
}

func isNotFound(err error) bool {
	resp := minio.ToErrorResponse(err)
	return resp.StatusCode == http.StatusNotFound || resp.Code == "NoSuchKey"
}

var _ S3Client = (*MinioClient)(nil)
