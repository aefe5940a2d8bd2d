package source

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
)

func TestStaticProvider(t *testing.T) {
	p := StaticProvider{
		"aws_credentials": {AccessKeyID: "AKIA", SecretAccessKey: "secret"},
		"half":            {AccessKeyID: "AKIA"},
	}
	ctx := context.Background()

	creds, err := p.Resolve(ctx, "aws_credentials")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if creds.AccessKeyID != "AKIA" || creds.SecretAccessKey != "secret" {
		t.Errorf("unexpected credentials: %+v", creds)
	}

	if _, err := p.Resolve(ctx, "missing"); !errors.Is(err, ErrUnknownCredential) {
		t.Errorf("expected ErrUnknownCredential, got %v", err)
	}
	if _, err := p.Resolve(ctx, "half"); err == nil || errors.Is(err, ErrUnknownCredential) {
		t.Errorf("expected incomplete credential error, got %v", err)
	}
}

type funcProvider func(ctx context.Context, id string) (Credentials, error)

func (f funcProvider) Resolve(ctx context.Context, id string) (Credentials, error) { return f(ctx, id) }

func TestChain(t *testing.T) {
	calls := 0
	fallback := funcProvider(func(ctx context.Context, id string) (Credentials, error) {
		calls++
		return Credentials{AccessKeyID: "from-fallback", SecretAccessKey: "x"}, nil
	})
	ctx := context.Background()

	chain := Chain{StaticProvider{"known": {AccessKeyID: "static", SecretAccessKey: "y"}}, fallback}

	creds, err := chain.Resolve(ctx, "known")
	if err != nil || creds.AccessKeyID != "static" {
		t.Fatalf("expected static hit, got %+v, %v", creds, err)
	}
	if calls != 0 {
		t.Errorf("fallback consulted on a static hit")
	}

	creds, err = chain.Resolve(ctx, "other")
	if err != nil || creds.AccessKeyID != "from-fallback" {
		t.Fatalf("expected fallback hit, got %+v, %v", creds, err)
	}

	// A real failure stops the chain.
	denied := errors.New("access denied")
	stop := Chain{
		funcProvider(func(ctx context.Context, id string) (Credentials, error) { return Credentials{}, denied }),
		fallback,
	}
	if _, err := stop.Resolve(ctx, "other"); !errors.Is(err, denied) {
		t.Errorf("expected access denied, got %v", err)
	}

	if _, err := (Chain{}).Resolve(ctx, "x"); !errors.Is(err, ErrUnknownCredential) {
		t.Errorf("empty chain should report unknown credential, got %v", err)
	}
}

func TestRetrieve(t *testing.T) {
	ctx := context.Background()
	provider := aws.CredentialsProviderFunc(func(ctx context.Context) (aws.Credentials, error) {
		return aws.Credentials{AccessKeyID: "AKIA", SecretAccessKey: "s", SessionToken: "tok"}, nil
	})

	creds, err := retrieve(ctx, provider, "redshift")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if creds.SessionToken != "tok" || !creds.Valid() {
		t.Errorf("unexpected credentials: %+v", creds)
	}

	failing := aws.CredentialsProviderFunc(func(ctx context.Context) (aws.Credentials, error) {
		return aws.Credentials{}, errors.New("expired token")
	})
	if _, err := retrieve(ctx, failing, "redshift"); err == nil {
		t.Error("expected retrieve error")
	}
	if _, err := retrieve(ctx, nil, "redshift"); !errors.Is(err, ErrUnknownCredential) {
		t.Errorf("nil provider should be unknown credential, got %v", err)
	}
}

func TestAWSProviderMissingProfile(t *testing.T) {
	dir := t.TempDir()
	for env, name := range map[string]string{"AWS_CONFIG_FILE": "config", "AWS_SHARED_CREDENTIALS_FILE": "credentials"} {
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, []byte("[default]\nregion = us-west-2\n"), 0o600); err != nil {
			t.Fatal(err)
		}
		t.Setenv(env, path)
	}
	t.Setenv("AWS_PROFILE", "")
	t.Setenv("AWS_ACCESS_KEY_ID", "")
	t.Setenv("AWS_SECRET_ACCESS_KEY", "")

	_, err := AWSProvider{Region: "us-west-2"}.Resolve(context.Background(), "aws_credentials")
	if !errors.Is(err, ErrUnknownCredential) {
		t.Errorf("missing profile: expected ErrUnknownCredential, got %v", err)
	}
}

func TestStoreConfig(t *testing.T) {
	var cfg StoreConfig
	if cfg.Enabled() {
		t.Error("empty config should be disabled")
	}
	if err := cfg.Validate(); err == nil {
		t.Error("expected validation error")
	}
	if _, err := NewMinIOStore(cfg, Credentials{}); err == nil {
		t.Error("expected NewMinIOStore to reject empty endpoint")
	}

	cfg.Endpoint = "s3.amazonaws.com"
	if !cfg.Enabled() {
		t.Error("config with endpoint should be enabled")
	}
	if _, err := NewMinIOStore(cfg, Credentials{AccessKeyID: "a", SecretAccessKey: "b"}); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}
