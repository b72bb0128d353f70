package store

import (
	"context"
	"net/url"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/nebula-cloud/nebula/errors"
)

// NetworkHint selects which public endpoint a presigned URL is signed
// against. The URL must be signable against the hostname the eventual HTTP
// client will dial, so signing and endpoint selection go together.
type NetworkHint string

const (
	NetworkAuto   NetworkHint = "auto"
	NetworkLocal  NetworkHint = "local"
	NetworkRemote NetworkHint = "remote"
)

func ParseNetworkHint(s string) (NetworkHint, error) {
	switch NetworkHint(s) {
	case "", NetworkAuto:
		return NetworkAuto, nil
	case NetworkLocal:
		return NetworkLocal, nil
	case NetworkRemote:
		return NetworkRemote, nil
	default:
		return "", errors.Validation("unknown network hint %q, must be one of auto, local, remote", s)
	}
}

// signerFor picks the signer client whose endpoint matches the hint. A hint
// for an unconfigured endpoint falls back toward the internal data-plane
// client; auto prefers the externally reachable endpoint.
func (s *ObjectStore) signerFor(hint NetworkHint) *minio.Client {
	switch hint {
	case NetworkLocal:
		if c, ok := s.signers[NetworkLocal]; ok {
			return c
		}
	case NetworkRemote:
		if c, ok := s.signers[NetworkRemote]; ok {
			return c
		}
	case NetworkAuto:
		if c, ok := s.signers[NetworkRemote]; ok {
			return c
		}
		if c, ok := s.signers[NetworkLocal]; ok {
			return c
		}
	}
	return s.client
}

// PresignPut mints a time-limited URL authorizing a direct PUT of key.
func (s *ObjectStore) PresignPut(ctx context.Context, key string, hint NetworkHint) (string, error) {
	u, err := s.signerFor(hint).PresignedPutObject(ctx, s.bucket, key, s.expiry)
	if err != nil {
		return "", errors.Upstream("presign put %q failed: %s", key, err)
	}
	return u.String(), nil
}

// PresignGetOptions carries the optional response header overrides a
// presigned GET may request.
type PresignGetOptions struct {
	ResponseDisposition string
	ResponseContentType string
}

// PresignGet mints a time-limited URL authorizing a direct GET of key.
func (s *ObjectStore) PresignGet(ctx context.Context, key string, hint NetworkHint, opts PresignGetOptions) (string, error) {
	params := url.Values{}
	if opts.ResponseDisposition != "" {
		params.Set("response-content-disposition", opts.ResponseDisposition)
	}
	if opts.ResponseContentType != "" {
		params.Set("response-content-type", opts.ResponseContentType)
	}
	u, err := s.signerFor(hint).PresignedGetObject(ctx, s.bucket, key, s.expiry, params)
	if err != nil {
		return "", errors.Upstream("presign get %q failed: %s", key, err)
	}
	return u.String(), nil
}

// PresignExpiry reports the configured URL lifetime.
func (s *ObjectStore) PresignExpiry() time.Duration {
	return s.expiry
}
