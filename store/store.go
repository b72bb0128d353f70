package store

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/nebula-cloud/nebula/errors"
	"github.com/nebula-cloud/nebula/log"
)

// Config carries everything needed to talk to the S3-compatible backend. All
// byte movement in either direction goes through the ObjectStore built from it.
type Config struct {
	Endpoint              string
	AccessKey             string
	SecretKey             string
	Bucket                string
	Region                string
	PresignExpiry         time.Duration
	PresignEndpointLocal  string
	PresignEndpointRemote string
	PoolMaxSize           int
	ConnectTimeout        time.Duration
	ReadTimeout           time.Duration
	TotalRetries          int
	BackoffFactor         float64
}

// ObjectInfo is the subset of object metadata Nebula cares about.
type ObjectInfo struct {
	Size         int64
	ContentType  string
	ETag         string
	LastModified time.Time
}

// ObjectStore is the exclusive front-end over the S3-compatible backend. The
// data-plane client shares one bounded connection pool; the presign signers
// are immutable after construction and safe to share across requests.
type ObjectStore struct {
	client  *minio.Client
	bucket  string
	region  string
	signers map[NetworkHint]*minio.Client
	expiry  time.Duration
	backoff float64
	retries int
}

func New(cfg Config) (*ObjectStore, error) {
	if cfg.PoolMaxSize <= 0 {
		cfg.PoolMaxSize = 32
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	if cfg.PresignExpiry <= 0 {
		cfg.PresignExpiry = 15 * time.Minute
	}
	if cfg.TotalRetries > 0 {
		// minio-go's transport-level retry: exponential backoff on 5xx and
		// transient network errors, idempotent methods only.
		minio.MaxRetry = cfg.TotalRetries
	}

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   cfg.ConnectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          cfg.PoolMaxSize,
		MaxIdleConnsPerHost:   cfg.PoolMaxSize,
		IdleConnTimeout:       90 * time.Second,
		ResponseHeaderTimeout: cfg.ReadTimeout,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	newClient := func(endpoint string) (*minio.Client, error) {
		host, secure, err := parseEndpoint(endpoint)
		if err != nil {
			return nil, err
		}
		return minio.New(host, &minio.Options{
			Creds:     credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
			Secure:    secure,
			Region:    cfg.Region,
			Transport: transport,
		})
	}

	client, err := newClient(cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("creating object store client for %s: %w", cfg.Endpoint, err)
	}

	// One signer client per configured public endpoint. The region is fixed so
	// signing never triggers a bucket-location round-trip.
	signers := map[NetworkHint]*minio.Client{}
	if cfg.PresignEndpointLocal != "" {
		signer, err := newClient(cfg.PresignEndpointLocal)
		if err != nil {
			return nil, fmt.Errorf("creating local presign signer for %s: %w", cfg.PresignEndpointLocal, err)
		}
		signers[NetworkLocal] = signer
	}
	if cfg.PresignEndpointRemote != "" {
		signer, err := newClient(cfg.PresignEndpointRemote)
		if err != nil {
			return nil, fmt.Errorf("creating remote presign signer for %s: %w", cfg.PresignEndpointRemote, err)
		}
		signers[NetworkRemote] = signer
	}

	return &ObjectStore{
		client:  client,
		bucket:  cfg.Bucket,
		region:  cfg.Region,
		signers: signers,
		expiry:  cfg.PresignExpiry,
		backoff: cfg.BackoffFactor,
		retries: cfg.TotalRetries,
	}, nil
}

func parseEndpoint(raw string) (host string, secure bool, err error) {
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", false, err
	}
	if u.Host == "" {
		return "", false, fmt.Errorf("endpoint %q has no host", raw)
	}
	return u.Host, u.Scheme == "https", nil
}

// EnsureBucket creates the bucket if it does not exist. Called once at
// startup; an unreachable backend or bad credentials is fatal to the caller.
func (s *ObjectStore) EnsureBucket(ctx context.Context) error {
	op := func() error {
		exists, err := s.client.BucketExists(ctx, s.bucket)
		if err != nil {
			return err
		}
		if exists {
			return nil
		}
		err = s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{Region: s.region})
		if err != nil {
			// Lost a race with another process creating it.
			if resp := minio.ToErrorResponse(err); resp.Code == "BucketAlreadyOwnedByYou" || resp.Code == "BucketAlreadyExists" {
				return nil
			}
			return err
		}
		log.LogNoID("created bucket", "bucket", s.bucket)
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Duration(float64(time.Second) * s.initialBackoff())
	bo.MaxInterval = 5 * time.Second
	bo.MaxElapsedTime = 0
	if err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, uint64(s.maxRetries())), ctx)); err != nil {
		return errors.Upstream("bucket %q unavailable: %s", s.bucket, err)
	}
	return nil
}

func (s *ObjectStore) initialBackoff() float64 {
	if s.backoff <= 0 {
		return 0.2
	}
	return s.backoff
}

func (s *ObjectStore) maxRetries() int {
	if s.retries <= 0 {
		return 3
	}
	return s.retries
}

// Put stores an object with an a priori known size, consuming the reader
// exactly once. On success the object is durably visible to Stat and Get; on
// failure no partial object remains observable under key.
func (s *ObjectStore) Put(ctx context.Context, key string, reader io.Reader, size int64, contentType string) error {
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	_, err := s.client.PutObject(ctx, s.bucket, key, reader, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return errors.Upstream("put %q failed: %s", key, err)
	}
	return nil
}

// Stat returns object metadata, or ErrNotFound if the key is absent.
func (s *ObjectStore) Stat(ctx context.Context, key string) (ObjectInfo, error) {
	info, err := s.client.StatObject(ctx, s.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		if isNoSuchKey(err) {
			return ObjectInfo{}, errors.NotFound("object %q", key)
		}
		return ObjectInfo{}, errors.Upstream("stat %q failed: %s", key, err)
	}
	return ObjectInfo{
		Size:         info.Size,
		ContentType:  info.ContentType,
		ETag:         info.ETag,
		LastModified: info.LastModified,
	}, nil
}

// Get returns a lazy streaming reader for the whole object. The caller must
// Close it on every exit path so the pooled connection is released.
func (s *ObjectStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	return s.GetRange(ctx, key, 0, 0)
}

// GetRange returns a lazy streaming reader for a single contiguous range.
// length zero means "until end". Cancelling ctx releases the connection.
func (s *ObjectStore) GetRange(ctx context.Context, key string, offset, length int64) (io.ReadCloser, error) {
	opts := minio.GetObjectOptions{}
	if offset > 0 || length > 0 {
		end := int64(0)
		if length > 0 {
			end = offset + length - 1
		}
		if err := opts.SetRange(offset, end); err != nil {
			return nil, errors.Validation("invalid range %d+%d: %s", offset, length, err)
		}
	}
	obj, err := s.client.GetObject(ctx, s.bucket, key, opts)
	if err != nil {
		return nil, errors.Upstream("get %q failed: %s", key, err)
	}
	// The request is issued lazily on first Read; surface NotFound eagerly so
	// callers can 404 before committing to a response status.
	if _, err := obj.Stat(); err != nil {
		obj.Close()
		if isNoSuchKey(err) {
			return nil, errors.NotFound("object %q", key)
		}
		return nil, errors.Upstream("get %q failed: %s", key, err)
	}
	return obj, nil
}

// Delete removes an object. Deleting an absent key is not an error.
func (s *ObjectStore) Delete(ctx context.Context, key string) error {
	err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{})
	if err != nil && !isNoSuchKey(err) {
		return errors.Upstream("delete %q failed: %s", key, err)
	}
	return nil
}

func isNoSuchKey(err error) bool {
	resp := minio.ToErrorResponse(err)
	return resp.Code == "NoSuchKey" || resp.StatusCode == http.StatusNotFound
}
