// Package credentials resolves the provider refresh token from an ordered
// list of sources.
package credentials

import (
	"context"
	"errors"
	"fmt"

	"github.com/bobmcallan/kabuka/internal/common"
	"github.com/bobmcallan/kabuka/internal/interfaces"
	"github.com/bobmcallan/kabuka/internal/models"
)

// ErrSourceSkipped signals that a source is not configured and the next
// one should be tried.
var ErrSourceSkipped = errors.New("credential source not configured")

// Source produces a credential or explains why it could not.
type Source interface {
	Name() string
	Resolve(ctx context.Context) (models.Credential, error)
}

// Resolver tries each source in order and returns the first credential.
type Resolver struct {
	sources []Source
	logger  *common.Logger
}

// NewResolver creates a resolver over sources, tried in the given order.
func NewResolver(logger *common.Logger, sources ...Source) *Resolver {
	return &Resolver{sources: sources, logger: logger}
}

// NewResolverFromConfig builds the standard chain. Production omits the
// environment login.
func NewResolverFromConfig(config *common.Config, secrets interfaces.SecretStore, issuer interfaces.TokenIssuer, logger *common.Logger) *Resolver {
	jq := config.JQuants
	var sources []Source
	if !config.IsProduction() {
		sources = append(sources, &EnvLogin{Email: jq.Email, Password: jq.Password, Issuer: issuer})
	}
	sources = append(sources,
		&SecretRefreshToken{Store: secrets, Secret: jq.RefreshTokenSecret},
		&SecretLogin{
			Store:          secrets,
			Issuer:         issuer,
			MailSecret:     jq.MailSecret,
			PasswordSecret: jq.PasswordSecret,
			PersistTo:      persistTarget(jq),
			Logger:         logger,
		},
	)
	return NewResolver(logger, sources...)
}

func persistTarget(jq common.JQuantsConfig) string {
	if jq.PersistRefreshToken {
		return jq.RefreshTokenSecret
	}
	return ""
}

// Resolve returns the first credential any source yields. Source failures
// are logged without secret values; exhausting every source is an AuthError.
func (r *Resolver) Resolve(ctx context.Context) (models.Credential, error) {
	logger := common.LoggerFromOr(ctx, r.logger)

	var errs []error
	for _, src := range r.sources {
		if err := ctx.Err(); err != nil {
			return models.Credential{}, err
		}

		cred, err := src.Resolve(ctx)
		switch {
		case err == nil:
			logger.Info().Str("source", src.Name()).Msg("Resolved J-Quants credential")
			return cred, nil
		case errors.Is(err, ErrSourceSkipped):
			logger.Debug().Str("source", src.Name()).Msg("Credential source not configured")
		default:
			logger.Warn().Err(err).Str("source", src.Name()).Msg("Credential source failed")
			errs = append(errs, fmt.Errorf("%s: %w", src.Name(), err))
		}
	}

	if len(errs) == 0 {
		return models.Credential{}, &common.AuthError{Err: errors.New("no credential source is configured")}
	}
	return models.Credential{}, &common.AuthError{Err: errors.Join(errs...)}
}

// EnvLogin logs in with an email and password from configuration.
type EnvLogin struct {
	Email    string
	Password string
	Issuer   interfaces.TokenIssuer
}

func (s *EnvLogin) Name() string { return "env-login" }

func (s *EnvLogin) Resolve(ctx context.Context) (models.Credential, error) {
	if s.Email == "" || s.Password == "" || s.Issuer == nil {
		return models.Credential{}, ErrSourceSkipped
	}
	token, err := s.Issuer.Login(ctx, s.Email, s.Password)
	if err != nil {
		return models.Credential{}, err
	}
	return models.Credential{RefreshToken: token, Source: models.CredentialSourceEnv}, nil
}

// SecretRefreshToken reads a pre-provisioned refresh token.
type SecretRefreshToken struct {
	Store  interfaces.SecretStore
	Secret string
}

func (s *SecretRefreshToken) Name() string { return "secret-refresh-token" }

func (s *SecretRefreshToken) Resolve(ctx context.Context) (models.Credential, error) {
	if s.Store == nil || s.Secret == "" {
		return models.Credential{}, ErrSourceSkipped
	}
	token, err := s.Store.Get(ctx, s.Secret)
	if err != nil {
		return models.Credential{}, err
	}
	if token == "" {
		return models.Credential{}, fmt.Errorf("secret %s is empty", s.Secret)
	}
	return models.Credential{RefreshToken: token, Source: models.CredentialSourceSecretStore}, nil
}

// SecretLogin reads an email and password from the secret store and logs
// in. When PersistTo is set the new refresh token is written back so the
// next run can skip the login.
type SecretLogin struct {
	Store          interfaces.SecretStore
	Issuer         interfaces.TokenIssuer
	MailSecret     string
	PasswordSecret string
	PersistTo      string
	Logger         *common.Logger
}

func (s *SecretLogin) Name() string { return "secret-login" }

func (s *SecretLogin) Resolve(ctx context.Context) (models.Credential, error) {
	if s.Store == nil || s.Issuer == nil || s.MailSecret == "" || s.PasswordSecret == "" {
		return models.Credential{}, ErrSourceSkipped
	}

	email, err := s.Store.Get(ctx, s.MailSecret)
	if err != nil {
		return models.Credential{}, err
	}
	password, err := s.Store.Get(ctx, s.PasswordSecret)
	if err != nil {
		return models.Credential{}, err
	}

	token, err := s.Issuer.Login(ctx, email, password)
	if err != nil {
		return models.Credential{}, err
	}

	if s.PersistTo != "" {
		if err := s.Store.Put(ctx, s.PersistTo, token); err != nil {
			common.LoggerFromOr(ctx, s.Logger).Warn().Err(err).Str("secret", s.PersistTo).Msg("Failed to persist refresh token")
		}
	}

	return models.Credential{RefreshToken: token, Source: models.CredentialSourceSecretLogin}, nil
}

var _ interfaces.CredentialResolver = (*Resolver)(nil)
