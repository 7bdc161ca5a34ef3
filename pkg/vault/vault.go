package vault

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
	api "github.com/hashicorp/vault/api"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

var ErrPermissionDenied = errors.New("permission denied")
var ErrLeaseNotFound = errors.New("lease not found or is not renewable")
var ErrInvalidRequest = errors.New("invalid request")

// SecretsService is the subset of Vault used to fetch and keep alive
// database credentials. Implementations are expected to retry transient
// transport failures themselves; any error returned is final.
type SecretsService interface {
	Login(ctx context.Context, loginPath, username, password string) (string, error)
	// Bind returns a session authenticated with token. The receiver is left
	// untouched so sessions from different logins never share a token.
	Bind(token string) (SecretsService, error)
	ReadSecret(ctx context.Context, path string) (*api.Secret, error)
	RenewLease(ctx context.Context, leaseID string, increment int) (int, error)
	RenewToken(ctx context.Context, increment int) error
}

// Closer is the connection protected by a RenewalScheduler.
type Closer interface {
	Close() error
}

type Credentials struct {
	Username string
	Password string
	Secret   *api.Secret
}

func (c *Credentials) LeaseID() string {
	if c.Secret == nil {
		return ""
	}
	return c.Secret.LeaseID
}

// RenewalHandle is everything a RenewalScheduler needs to keep a lease
// alive: the authenticated session, the lease and its initial TTL in
// seconds.
type RenewalHandle struct {
	Service    SecretsService
	LeaseID    string
	InitialTTL int
}

type TLSConfig struct {
	CACert string
	CAPath string
}

type VaultConfig struct {
	VaultAddr       string
	TLS             *TLSConfig
	Timeout         time.Duration
	MaxRetryElapsed time.Duration
}

type UserPassAuthConfig struct {
	LoginPath string
	Username  string
	Password  string
}

// AuthenticationError is returned when Vault rejects the login.
type AuthenticationError struct {
	LoginPath string
	Err       error
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("error authenticating against %s: %s", e.LoginPath, e.Err)
}

func (e *AuthenticationError) Unwrap() error { return e.Err }

// SecretReadError is returned when the secret cannot be read or does not
// hold a username and password.
type SecretReadError struct {
	Path string
	Err  error
}

func (e *SecretReadError) Error() string {
	return fmt.Sprintf("error reading secret %s: %s", e.Path, e.Err)
}

func (e *SecretReadError) Unwrap() error { return e.Err }

// RenewalError is a failed periodic renewal. It never reaches a caller,
// the scheduler handles it by closing the connection.
type RenewalError struct {
	LeaseID string
	Op      string
	Err     error
}

func (e *RenewalError) Error() string {
	return fmt.Sprintf("error renewing %s for lease %s: %s", e.Op, e.LeaseID, e.Err)
}

func (e *RenewalError) Unwrap() error { return e.Err }

func defaultRetryStrategy(max time.Duration) backoff.BackOff {
	strategy := backoff.NewExponentialBackOff()
	strategy.InitialInterval = time.Millisecond * 500
	strategy.MaxElapsedTime = max
	return strategy
}

func secretFields(secret *api.Secret) log.Fields {
	fields := log.Fields{
		"requestID":     secret.RequestID,
		"leaseID":       secret.LeaseID,
		"renewable":     secret.Renewable,
		"leaseDuration": secret.LeaseDuration,
	}

	if secret.Auth != nil {
		fields["auth.policies"] = secret.Auth.Policies
		fields["auth.leaseDuration"] = secret.Auth.LeaseDuration
		fields["auth.renewable"] = secret.Auth.Renewable
		fields["warnings"] = secret.Warnings
	}

	return fields
}

// checkFatalError maps Vault errors that retrying cannot fix to a sentinel.
func checkFatalError(err error) error {
	errorString := fmt.Sprintf("%s", err)
	if strings.Contains(errorString, "Code: 403") {
		return ErrPermissionDenied
	}
	if strings.Contains(errorString, "lease not found or lease is not renewable") {
		return ErrLeaseNotFound
	}
	if strings.Contains(errorString, "Code: 400") {
		return ErrInvalidRequest
	}
	return nil
}
