package vault

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/hashicorp/vault/api"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

const defaultMaxRetryElapsed = 30 * time.Second

// VaultService talks to Vault over its HTTP API. Every call is retried
// with exponential backoff until MaxRetryElapsed, unless Vault answers with
// an error retrying cannot fix.
type VaultService struct {
	client   *api.Client
	maxRetry time.Duration
}

func NewVaultService(v *VaultConfig) (*VaultService, error) {
	client, err := createUnauthenticatedClient(v)
	if err != nil {
		return nil, err
	}

	maxRetry := v.MaxRetryElapsed
	if maxRetry <= 0 {
		maxRetry = defaultMaxRetryElapsed
	}

	return &VaultService{client: client, maxRetry: maxRetry}, nil
}

func createUnauthenticatedClient(v *VaultConfig) (*api.Client, error) {
	cfg := api.DefaultConfig()
	if v.VaultAddr != "" {
		cfg.Address = v.VaultAddr
	}
	if v.Timeout > 0 {
		cfg.Timeout = v.Timeout
	}
	if v.TLS != nil && (v.TLS.CACert != "" || v.TLS.CAPath != "") {
		err := cfg.ConfigureTLS(&api.TLSConfig{CACert: v.TLS.CACert, CAPath: v.TLS.CAPath})
		if err != nil {
			return nil, errors.Wrap(err, "error configuring tls")
		}
	}

	client, err := api.NewClient(cfg)
	if err != nil {
		return nil, err
	}
	// A token picked up from the environment must not leak into the session.
	client.ClearToken()

	return client, nil
}

func (s *VaultService) retry(ctx context.Context, op func() error) error {
	wrapped := func() error {
		err := op()
		if err == nil {
			return nil
		}
		if fatalError := checkFatalError(err); fatalError != nil {
			return backoff.Permanent(errors.Wrap(fatalError, err.Error()))
		}
		return err
	}

	return backoff.Retry(wrapped, backoff.WithContext(defaultRetryStrategy(s.maxRetry), ctx))
}

// Login exchanges a username and password for a Vault token using the
// userpass auth method mounted at loginPath.
func (s *VaultService) Login(ctx context.Context, loginPath, username, password string) (string, error) {
	var secret *api.Secret
	path := fmt.Sprintf("auth/%s/login/%s", loginPath, username)

	err := s.retry(ctx, func() error {
		var err error
		secret, err = s.client.Logical().WriteWithContext(ctx, path, map[string]interface{}{
			"password": password,
		})
		return err
	})
	if err != nil {
		return "", err
	}

	if secret == nil || secret.Auth == nil {
		return "", fmt.Errorf("no auth info returned")
	}

	log.WithFields(secretFields(secret)).Infof("successfully authenticated")

	return secret.Auth.ClientToken, nil
}

func (s *VaultService) Bind(token string) (SecretsService, error) {
	client, err := s.client.Clone()
	if err != nil {
		return nil, errors.Wrap(err, "error cloning vault client")
	}
	client.SetToken(token)

	return &VaultService{client: client, maxRetry: s.maxRetry}, nil
}

func (s *VaultService) ReadSecret(ctx context.Context, path string) (*api.Secret, error) {
	var secret *api.Secret

	err := s.retry(ctx, func() error {
		var err error
		secret, err = s.client.Logical().ReadWithContext(ctx, path)
		return err
	})
	if err != nil {
		return nil, err
	}
	if secret == nil {
		return nil, fmt.Errorf("secret is nil")
	}

	log.WithFields(secretFields(secret)).Infof("succesfully retrieved credentials")

	return secret, nil
}

// RenewLease extends leaseID by increment seconds and returns the lease
// duration Vault granted. An increment of 0 asks for the backend default.
func (s *VaultService) RenewLease(ctx context.Context, leaseID string, increment int) (int, error) {
	var secret *api.Secret

	err := s.retry(ctx, func() error {
		var err error
		secret, err = s.client.Sys().RenewWithContext(ctx, leaseID, increment)
		if err != nil {
			log.Errorf("error renewing lease: %s", err)
		}
		return err
	})
	if err != nil {
		return 0, err
	}
	if secret == nil {
		return 0, fmt.Errorf("empty response renewing lease")
	}

	log.WithFields(secretFields(secret)).Infof("successfully renewed secret")

	return secret.LeaseDuration, nil
}

func (s *VaultService) RenewToken(ctx context.Context, increment int) error {
	return s.retry(ctx, func() error {
		secret, err := s.client.Auth().Token().RenewSelfWithContext(ctx, increment)
		if err != nil {
			log.Errorf("error renewing token: %s", err)
			return err
		}
		if secret != nil {
			log.WithFields(secretFields(secret)).Infof("successfully renewed auth token")
		}
		return nil
	})
}
