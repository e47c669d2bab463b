// Package objstore persists manifests and downloads oracle results from
// content-addressed object storage.
package objstore

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/human-protocol/job-launcher/internal/config"
	"github.com/human-protocol/job-launcher/internal/domain/errs"
	"github.com/human-protocol/job-launcher/pkg/logger"
)

// ErrNotFound reports a download of an object that does not exist. Call
// sites map it onto their own not-found sentinel (manifest vs result).
var ErrNotFound = errors.New("object not found")

// Upload is the location of a stored document. Key is the hex SHA-1 of the
// body, so the escrow's manifest hash and the object key always agree.
type Upload struct {
	URL  string
	Hash string
}

// Store uploads manifests and fetches result documents.
type Store interface {
	UploadManifest(ctx context.Context, body []byte) (Upload, error)
	Download(ctx context.Context, url string) ([]byte, error)
}

// S3Store implements Store against an S3-compatible bucket.
type S3Store struct {
	client     *s3.Client
	bucket     string
	publicBase string
	httpClient *http.Client
	log        *logger.Logger
}

var _ Store = (*S3Store)(nil)

// NewS3Store connects to the configured bucket.
func NewS3Store(ctx context.Context, cfg config.Config, log *logger.Logger) (*S3Store, error) {
	if log == nil {
		log = logger.NewDefault("objstore")
	}

	scheme := "https"
	if !cfg.StorageUseSSL {
		scheme = "http"
	}
	endpoint := fmt.Sprintf("%s://%s", scheme, cfg.StorageEndpoint)

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.StorageRegion),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.StorageAccessKey, cfg.StorageSecretKey, ""),
		),
		awsconfig.WithEndpointResolverWithOptions(
			aws.EndpointResolverWithOptionsFunc(func(service, region string, options ...interface{}) (aws.Endpoint, error) {
				return aws.Endpoint{URL: endpoint, HostnameImmutable: true}, nil
			}),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("storage config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = true
	})

	return &S3Store{
		client:     client,
		bucket:     cfg.StorageBucket,
		publicBase: fmt.Sprintf("%s/%s", endpoint, cfg.StorageBucket),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		log:        log,
	}, nil
}

// UploadManifest stores the document under its own SHA-1 and returns the
// public URL plus the hash.
func (s *S3Store) UploadManifest(ctx context.Context, body []byte) (Upload, error) {
	hash := DigestHex(body)
	key := fmt.Sprintf("s3%s", hash)

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return Upload{}, fmt.Errorf("%w: %v", errs.ErrStorageUnavailable, err)
	}

	s.log.WithField("key", key).Info("manifest uploaded")
	return Upload{
		URL:  fmt.Sprintf("%s/%s", s.publicBase, key),
		Hash: hash,
	}, nil
}

// Download fetches a document by public URL. Results can live in another
// party's bucket, so this goes over plain HTTP rather than the S3 API.
func (s *S3Store) Download(ctx context.Context, url string) ([]byte, error) {
	if url == "" {
		return nil, errs.ErrStorageUnavailable
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrStorageUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, url)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: storage returned %d", errs.ErrStorageUnavailable, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// DigestHex is the content address used for manifest keys and escrow
// manifest hashes.
func DigestHex(body []byte) string {
	sum := sha1.Sum(body)
	return hex.EncodeToString(sum[:])
}
