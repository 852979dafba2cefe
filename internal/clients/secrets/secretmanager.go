// Package secrets provides SecretStore implementations.
package secrets

import (
	"context"
	"errors"
	"fmt"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/bobmcallan/kabuka/internal/common"
	"github.com/bobmcallan/kabuka/internal/interfaces"
	"github.com/bobmcallan/kabuka/internal/retry"
)

// SecretManager reads and writes secrets in Google Cloud Secret Manager.
type SecretManager struct {
	client    *secretmanager.Client
	projectID string
	policy    retry.Policy
	logger    *common.Logger
}

// NewSecretManager connects using application default credentials, or the
// configured credentials file when set.
func NewSecretManager(ctx context.Context, config *common.Config, logger *common.Logger) (*SecretManager, error) {
	var opts []option.ClientOption
	if config.GCP.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(config.GCP.CredentialsFile))
	}

	client, err := secretmanager.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create secret manager client: %w", err)
	}

	return &SecretManager{
		client:    client,
		projectID: config.GCP.ProjectID,
		policy:    retry.FromConfig(retry.Default, config),
		logger:    logger,
	}, nil
}

func (s *SecretManager) secretName(name string) string {
	return fmt.Sprintf("projects/%s/secrets/%s", s.projectID, name)
}

func (s *SecretManager) versionName(name string) string {
	return s.secretName(name) + "/versions/latest"
}

// Get returns the latest version of the secret.
func (s *SecretManager) Get(ctx context.Context, name string) (string, error) {
	value, err := retry.DoValue(ctx, s.policy, retry.IsRetryable, func(ctx context.Context) (string, error) {
		resp, err := s.client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{
			Name: s.versionName(name),
		})
		if err != nil {
			return "", err
		}
		return string(resp.GetPayload().GetData()), nil
	})
	if err != nil {
		return "", mapError(name, err)
	}

	s.logger.Debug().Str("secret", name).Msg("Retrieved secret")
	return value, nil
}

// Put adds a new version, creating the secret with automatic replication
// if it does not exist yet.
func (s *SecretManager) Put(ctx context.Context, name, value string) error {
	err := retry.Do(ctx, s.policy, retry.IsRetryable, func(ctx context.Context) error {
		_, err := s.client.CreateSecret(ctx, &secretmanagerpb.CreateSecretRequest{
			Parent:   "projects/" + s.projectID,
			SecretId: name,
			Secret: &secretmanagerpb.Secret{
				Replication: &secretmanagerpb.Replication{
					Replication: &secretmanagerpb.Replication_Automatic_{
						Automatic: &secretmanagerpb.Replication_Automatic{},
					},
				},
				Labels: map[string]string{"app": "kabuka"},
			},
		})
		if status.Code(err) == codes.AlreadyExists {
			return nil
		}
		return err
	})
	if err != nil {
		return mapError(name, err)
	}

	err = retry.Do(ctx, s.policy, retry.IsRetryable, func(ctx context.Context) error {
		_, err := s.client.AddSecretVersion(ctx, &secretmanagerpb.AddSecretVersionRequest{
			Parent:  s.secretName(name),
			Payload: &secretmanagerpb.SecretPayload{Data: []byte(value)},
		})
		return err
	})
	if err != nil {
		return mapError(name, err)
	}

	s.logger.Info().Str("secret", name).Msg("Stored new secret version")
	return nil
}

// Close releases the gRPC connection.
func (s *SecretManager) Close() error {
	return s.client.Close()
}

// mapError converts gRPC status codes into the store's error contract.
func mapError(name string, err error) error {
	switch status.Code(err) {
	case codes.NotFound:
		return fmt.Errorf("secret %s: %w", name, interfaces.ErrSecretNotFound)
	case codes.PermissionDenied:
		return fmt.Errorf("secret %s: permission denied: %w", name, err)
	}
	if errors.Is(err, interfaces.ErrSecretNotFound) {
		return err
	}
	return fmt.Errorf("secret %s: %w", name, err)
}

var _ interfaces.SecretStore = (*SecretManager)(nil)
