package secrets

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/bobmcallan/kabuka/internal/interfaces"
)

func TestEnvName(t *testing.T) {
	assert.Equal(t, "JQUANTS_REFRESH_TOKEN", EnvName("jquants-refresh-token"))
	assert.Equal(t, "JQUANTS_MAIL_ADDRESS", EnvName("jquants-mail-address"))
}

func TestEnvStore_GetAndPut(t *testing.T) {
	t.Setenv("JQUANTS_PASSWORD", "from-env")
	s := NewEnvStore()
	ctx := context.Background()

	v, err := s.Get(ctx, "jquants-password")
	require.NoError(t, err)
	assert.Equal(t, "from-env", v)

	_, err = s.Get(ctx, "jquants-refresh-token-missing")
	assert.ErrorIs(t, err, interfaces.ErrSecretNotFound)

	require.NoError(t, s.Put(ctx, "jquants-password", "rotated"))
	v, err = s.Get(ctx, "jquants-password")
	require.NoError(t, err)
	assert.Equal(t, "rotated", v)
}

func TestSecretManager_ResourceNames(t *testing.T) {
	s := &SecretManager{projectID: "kabuka-prod"}
	assert.Equal(t, "projects/kabuka-prod/secrets/jquants-refresh-token/versions/latest", s.versionName("jquants-refresh-token"))
	assert.Equal(t, "projects/kabuka-prod/secrets/jquants-password", s.secretName("jquants-password"))
}

func TestMapError(t *testing.T) {
	err := mapError("jquants-refresh-token", status.Error(codes.NotFound, "secret not found"))
	assert.ErrorIs(t, err, interfaces.ErrSecretNotFound)

	err = mapError("jquants-refresh-token", status.Error(codes.PermissionDenied, "denied"))
	assert.False(t, errors.Is(err, interfaces.ErrSecretNotFound))
	assert.Contains(t, err.Error(), "permission denied")

	err = mapError("x", errors.New("boom"))
	assert.EqualError(t, err, "secret x: boom")
}
