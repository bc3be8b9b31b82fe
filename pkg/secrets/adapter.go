// Package secrets resolves named secrets (pepper, bootstrap admin password)
// from Vault KV, AWS Secrets Manager or the process environment.
package secrets

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	vault "github.com/hashicorp/vault/api"
	"github.com/pkg/errors"
)

var (
	ErrProviderUnavailable = errors.New("secret provider unavailable")
	ErrSecretNotFound      = errors.New("secret not found")
)

type Source interface {
	GetSecret(ctx context.Context, key string) (string, error)
	Name() string
}

type Adapter struct {
	primary        Source
	fallback       Source
	requirePrimary bool
}

// NewAdapter picks Vault when VAULT_ADDR is set, otherwise AWS Secrets Manager
// when AWS_REGION is set. The environment source is the fallback unless
// SECRETS_REQUIRE_PRIMARY=true.
func NewAdapter(ctx context.Context) (*Adapter, error) {
	requirePrimary := strings.ToLower(os.Getenv("SECRETS_REQUIRE_PRIMARY")) == "true"
	var primary Source
	if os.Getenv("VAULT_ADDR") != "" {
		vs, err := newVaultSource(ctx)
		if err != nil {
			if requirePrimary {
				return nil, errors.Wrap(err, "vault")
			}
		} else {
			primary = vs
		}
	}
	if primary == nil && os.Getenv("AWS_REGION") != "" {
		as, err := newAWSSource(ctx)
		if err != nil {
			if requirePrimary {
				return nil, errors.Wrap(err, "aws secrets manager")
			}
		} else {
			primary = as
		}
	}
	if primary == nil && requirePrimary {
		return nil, errors.New("SECRETS_REQUIRE_PRIMARY=true but no primary provider available (checked Vault, AWS)")
	}
	a := &Adapter{primary: primary, requirePrimary: requirePrimary}
	if !requirePrimary {
		a.fallback = EnvSource{Prefix: "SNIPSERVE_SECRET_"}
	}
	return a, nil
}

// NewAdapterWith builds an adapter from explicit sources.
func NewAdapterWith(primary, fallback Source) *Adapter {
	return &Adapter{primary: primary, fallback: fallback}
}

func (a *Adapter) GetSecret(ctx context.Context, key string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	var primaryErr error
	if a.primary != nil {
		val, err := a.primary.GetSecret(ctx, key)
		if err == nil && val != "" {
			return val, nil
		}
		if err == nil {
			err = ErrSecretNotFound
		}
		if a.requirePrimary {
			return "", errors.Wrapf(err, "%s: get %s", a.primary.Name(), key)
		}
		primaryErr = err
	}
	if a.fallback != nil {
		val, err := a.fallback.GetSecret(ctx, key)
		if err != nil && primaryErr != nil {
			return "", errors.Wrapf(err, "fallback after %s failed (%v)", a.primary.Name(), primaryErr)
		}
		return val, err
	}
	if primaryErr != nil {
		return "", primaryErr
	}
	return "", ErrProviderUnavailable
}

func (a *Adapter) Describe() string {
	var parts []string
	if a.primary != nil {
		parts = append(parts, a.primary.Name())
	}
	if a.fallback != nil {
		parts = append(parts, a.fallback.Name())
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "+")
}

type vaultSource struct {
	client     *vault.Client
	secretPath string
}

func newVaultSource(ctx context.Context) (*vaultSource, error) {
	cfg := vault.DefaultConfig()
	cfg.Address = os.Getenv("VAULT_ADDR")
	cfg.Timeout = 5 * time.Second
	client, err := vault.NewClient(cfg)
	if err != nil {
		return nil, err
	}
	if tokenFile := os.Getenv("VAULT_TOKEN_FILE"); tokenFile != "" {
		tokenBytes, err := os.ReadFile(tokenFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read VAULT_TOKEN_FILE: %w", err)
		}
		client.SetToken(strings.TrimSpace(string(tokenBytes)))
	} else if token := os.Getenv("VAULT_TOKEN"); token != "" {
		client.SetToken(token)
	}
	healthCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if _, err := client.Sys().HealthWithContext(healthCtx); err != nil {
		return nil, fmt.Errorf("vault health check failed: %w", err)
	}
	return &vaultSource{
		client:     client,
		secretPath: getEnvOrDefault("VAULT_SECRET_PATH", "secret/data/snipserve"),
	}, nil
}

func (v *vaultSource) Name() string { return "vault" }

// GetSecret reads a KV v2 entry at <secretPath>/<key> and returns its "value" field.
func (v *vaultSource) GetSecret(ctx context.Context, key string) (string, error) {
	secret, err := v.client.Logical().ReadWithContext(ctx, v.secretPath+"/"+key)
	if err != nil {
		return "", err
	}
	if secret == nil || secret.Data == nil {
		return "", errors.Wrap(ErrSecretNotFound, key)
	}
	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return "", errors.New("vault: invalid secret format")
	}
	value, ok := data["value"].(string)
	if !ok {
		return "", errors.New("vault: value not found")
	}
	return value, nil
}

type awsSource struct {
	client *secretsmanager.Client
	prefix string
}

func newAWSSource(ctx context.Context) (*awsSource, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(os.Getenv("AWS_REGION")))
	if err != nil {
		return nil, err
	}
	return &awsSource{
		client: secretsmanager.NewFromConfig(cfg),
		prefix: getEnvOrDefault("AWS_SECRET_PREFIX", "snipserve/"),
	}, nil
}

func (a *awsSource) Name() string { return "aws-secretsmanager" }

func (a *awsSource) GetSecret(ctx context.Context, key string) (string, error) {
	id := a.prefix + key
	result, err := a.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: &id,
	})
	if err != nil {
		return "", fmt.Errorf("failed to get secret %s: %w", id, err)
	}
	if result.SecretString == nil {
		return "", errors.New("secret is binary, not string")
	}
	return *result.SecretString, nil
}

// EnvSource reads <Prefix><KEY> with the key upper-cased and dashes turned
// into underscores.
type EnvSource struct {
	Prefix string
}

func (e EnvSource) Name() string { return "env" }

func (e EnvSource) GetSecret(ctx context.Context, key string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	name := e.Prefix + strings.ToUpper(strings.ReplaceAll(key, "-", "_"))
	v := os.Getenv(name)
	if v == "" {
		return "", errors.Wrap(ErrSecretNotFound, name)
	}
	return v, nil
}

func getEnvOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
