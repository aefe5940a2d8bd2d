package source

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Store answers whether a bucket prefix holds anything to stage.
type Store interface {
	HasObjects(ctx context.Context, bucket, prefix string) (bool, error)
}

// StoreConfig addresses an S3-compatible endpoint.
type StoreConfig struct {
	Endpoint     string `mapstructure:"endpoint" yaml:"endpoint"`
	Region       string `mapstructure:"region" yaml:"region"`
	UseSSL       bool   `mapstructure:"use_ssl" yaml:"use_ssl"`
	CredentialID string `mapstructure:"credential_id" yaml:"credential_id"`
}

// Enabled reports whether a listing endpoint is configured.
func (c StoreConfig) Enabled() bool {
	return c.Endpoint != ""
}

// Validate checks the config before a client is built.
func (c StoreConfig) Validate() error {
	if c.Endpoint == "" {
		return errors.New("source endpoint is required")
	}
	return nil
}

// MinIOStore lists objects through minio-go, which speaks plain S3.
type MinIOStore struct {
	client *minio.Client
}

// NewMinIOStore builds a client for cfg using creds.
func NewMinIOStore(cfg StoreConfig, creds Credentials) (*MinIOStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:     credentials.NewStaticV4(creds.AccessKeyID, creds.SecretAccessKey, creds.SessionToken),
		Secure:    cfg.UseSSL,
		Region:    cfg.Region,
		Transport: newTransport(),
	})
	if err != nil {
		return nil, fmt.Errorf("source store client: %w", err)
	}
	return &MinIOStore{client: client}, nil
}

// HasObjects reports whether at least one object lives under prefix.
func (s *MinIOStore) HasObjects(ctx context.Context, bucket, prefix string) (bool, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	objects := s.client.ListObjects(ctx, bucket, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
		MaxKeys:   1,
	})
	for obj := range objects {
		if obj.Err != nil {
			return false, fmt.Errorf("list s3://%s/%s: %w", bucket, prefix, obj.Err)
		}
		return true, nil
	}
	return false, nil
}

func newTransport() *http.Transport {
	dialer := &net.Dialer{
		Timeout:   5 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          20,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}
