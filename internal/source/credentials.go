// Package source resolves access to the object store the pipeline stages
// raw JSON from: credentials for the warehouse COPY and a listing check that
// the source prefix actually holds objects.
package source

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
)

// ErrUnknownCredential is returned when no provider knows a credential id.
var ErrUnknownCredential = errors.New("unknown credential id")

// Credentials are the access keys handed to the warehouse COPY.
type Credentials struct {
	AccessKeyID     string `mapstructure:"access_key_id" yaml:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key" yaml:"secret_access_key"`
	SessionToken    string `mapstructure:"session_token" yaml:"session_token,omitempty"`
}

// Valid reports whether both key halves are present.
func (c Credentials) Valid() bool {
	return c.AccessKeyID != "" && c.SecretAccessKey != ""
}

// CredentialProvider resolves a credential id to keys.
type CredentialProvider interface {
	Resolve(ctx context.Context, credentialID string) (Credentials, error)
}

// StaticProvider serves credentials declared in configuration.
type StaticProvider map[string]Credentials

// Resolve implements CredentialProvider.
func (p StaticProvider) Resolve(ctx context.Context, credentialID string) (Credentials, error) {
	creds, ok := p[credentialID]
	if !ok {
		return Credentials{}, fmt.Errorf("%w: %q", ErrUnknownCredential, credentialID)
	}
	if !creds.Valid() {
		return Credentials{}, fmt.Errorf("credential %q is missing access keys", credentialID)
	}
	return creds, nil
}

// AWSProvider resolves a credential id as a shared-config profile through the
// AWS SDK default chain (environment, ~/.aws files, SSO, instance roles).
type AWSProvider struct {
	Region string
}

// Resolve implements CredentialProvider.
func (p AWSProvider) Resolve(ctx context.Context, credentialID string) (Credentials, error) {
	opts := []func(*awsconfig.LoadOptions) error{}
	if p.Region != "" {
		opts = append(opts, awsconfig.WithRegion(p.Region))
	}
	if credentialID != "" && credentialID != "default" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(credentialID))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		var notExist awsconfig.SharedConfigProfileNotExistError
		if errors.As(err, &notExist) {
			return Credentials{}, fmt.Errorf("%w: %q: no such aws profile", ErrUnknownCredential, credentialID)
		}
		return Credentials{}, fmt.Errorf("load aws config for %q: %w", credentialID, err)
	}
	return retrieve(ctx, cfg.Credentials, credentialID)
}

func retrieve(ctx context.Context, provider aws.CredentialsProvider, credentialID string) (Credentials, error) {
	if provider == nil {
		return Credentials{}, fmt.Errorf("%w: %q", ErrUnknownCredential, credentialID)
	}
	v, err := provider.Retrieve(ctx)
	if err != nil {
		return Credentials{}, fmt.Errorf("retrieve aws credentials for %q: %w", credentialID, err)
	}
	return Credentials{
		AccessKeyID:     v.AccessKeyID,
		SecretAccessKey: v.SecretAccessKey,
		SessionToken:    v.SessionToken,
	}, nil
}

// Chain tries each provider in order and returns the first hit. Only
// ErrUnknownCredential moves on to the next provider.
type Chain []CredentialProvider

// Resolve implements CredentialProvider.
func (c Chain) Resolve(ctx context.Context, credentialID string) (Credentials, error) {
	for _, p := range c {
		creds, err := p.Resolve(ctx, credentialID)
		if err == nil {
			return creds, nil
		}
		if !errors.Is(err, ErrUnknownCredential) {
			return Credentials{}, err
		}
	}
	return Credentials{}, fmt.Errorf("%w: %q", ErrUnknownCredential, credentialID)
}
