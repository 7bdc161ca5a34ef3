package vault

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
)

const tokenBumpTimeout = 10 * time.Second

// LookupCredential authenticates against Vault, reads the database
// credentials at secretPath and returns them together with the handle needed
// to keep their lease alive.
//
// Whatever happens when reading the secret, the token is renewed by the
// lease duration afterwards (or by one second when there is none) so it
// does not expire before renewal starts. That renewal is best effort: its
// failure is logged and never replaces the read error.
func LookupCredential(ctx context.Context, service SecretsService, auth *UserPassAuthConfig, secretPath string) (*Credentials, *RenewalHandle, error) {
	log.Infof("requesting credentials")

	token, err := service.Login(ctx, auth.LoginPath, auth.Username, auth.Password)
	if err != nil {
		return nil, nil, &AuthenticationError{LoginPath: auth.LoginPath, Err: err}
	}
	session, err := service.Bind(token)
	if err != nil {
		return nil, nil, &AuthenticationError{LoginPath: auth.LoginPath, Err: err}
	}

	ttl := 1
	creds, err := readCredentials(ctx, session, secretPath)
	if err == nil && creds.Secret.LeaseDuration > 0 {
		ttl = creds.Secret.LeaseDuration
	}

	// runs even when ctx was what failed the read
	bumpCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), tokenBumpTimeout)
	defer cancel()
	if renewErr := session.RenewToken(bumpCtx, ttl); renewErr != nil {
		log.Warnf("error extending auth token by %ds: %s", ttl, renewErr)
	}

	if err != nil {
		return nil, nil, err
	}

	handle := &RenewalHandle{
		Service:    session,
		LeaseID:    creds.LeaseID(),
		InitialTTL: ttl,
	}

	return creds, handle, nil
}

func readCredentials(ctx context.Context, service SecretsService, path string) (*Credentials, error) {
	secret, err := service.ReadSecret(ctx, path)
	if err != nil {
		return nil, &SecretReadError{Path: path, Err: err}
	}
	if secret == nil || secret.Data == nil {
		return nil, &SecretReadError{Path: path, Err: fmt.Errorf("secret is nil")}
	}

	username, ok := secret.Data["username"].(string)
	if !ok {
		return nil, &SecretReadError{Path: path, Err: fmt.Errorf("secret has no username")}
	}
	password, ok := secret.Data["password"].(string)
	if !ok {
		return nil, &SecretReadError{Path: path, Err: fmt.Errorf("secret has no password")}
	}

	return &Credentials{Username: username, Password: password, Secret: secret}, nil
}
