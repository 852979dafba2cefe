package credentials

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bobmcallan/kabuka/internal/common"
	"github.com/bobmcallan/kabuka/internal/interfaces"
	"github.com/bobmcallan/kabuka/internal/models"
)

type memStore struct {
	values map[string]string
	getErr map[string]error
	putErr error
	puts   map[string]string
}

func newMemStore(values map[string]string) *memStore {
	return &memStore{values: values, getErr: map[string]error{}, puts: map[string]string{}}
}

func (m *memStore) Get(_ context.Context, name string) (string, error) {
	if err := m.getErr[name]; err != nil {
		return "", err
	}
	v, ok := m.values[name]
	if !ok {
		return "", interfaces.ErrSecretNotFound
	}
	return v, nil
}

func (m *memStore) Put(_ context.Context, name, value string) error {
	if m.putErr != nil {
		return m.putErr
	}
	m.puts[name] = value
	return nil
}

type fakeIssuer struct {
	calls  []string
	tokens map[string]string // email -> token
}

func (f *fakeIssuer) Login(_ context.Context, email, password string) (string, error) {
	f.calls = append(f.calls, email)
	if tok, ok := f.tokens[email+":"+password]; ok {
		return tok, nil
	}
	return "", &common.AuthError{Source: "login", Err: errors.New("rejected")}
}

func testConfig(env string) *common.Config {
	cfg := common.NewDefaultConfig()
	cfg.Environment = env
	cfg.JQuants.Email = "dev@example.com"
	cfg.JQuants.Password = "dev-pw"
	return cfg
}

func TestResolve_DevelopmentPrefersEnvLogin(t *testing.T) {
	store := newMemStore(map[string]string{"jquants-refresh-token": "stored"})
	issuer := &fakeIssuer{tokens: map[string]string{"dev@example.com:dev-pw": "from-login"}}

	r := NewResolverFromConfig(testConfig("development"), store, issuer, common.NewSilentLogger())
	cred, err := r.Resolve(context.Background())

	require.NoError(t, err)
	assert.Equal(t, "from-login", cred.RefreshToken)
	assert.Equal(t, models.CredentialSourceEnv, cred.Source)
}

func TestResolve_ProductionSkipsEnvLogin(t *testing.T) {
	store := newMemStore(map[string]string{"jquants-refresh-token": "stored"})
	issuer := &fakeIssuer{tokens: map[string]string{"dev@example.com:dev-pw": "from-login"}}

	r := NewResolverFromConfig(testConfig("production"), store, issuer, common.NewSilentLogger())
	cred, err := r.Resolve(context.Background())

	require.NoError(t, err)
	assert.Equal(t, "stored", cred.RefreshToken)
	assert.Equal(t, models.CredentialSourceSecretStore, cred.Source)
	assert.Empty(t, issuer.calls)
}

func TestResolve_FailedEnvLoginFallsThrough(t *testing.T) {
	store := newMemStore(map[string]string{"jquants-refresh-token": "stored"})
	issuer := &fakeIssuer{}

	r := NewResolverFromConfig(testConfig("development"), store, issuer, common.NewSilentLogger())
	cred, err := r.Resolve(context.Background())

	require.NoError(t, err)
	assert.Equal(t, "stored", cred.RefreshToken)
	assert.Equal(t, []string{"dev@example.com"}, issuer.calls)
}

func TestResolve_SecretLoginPersistsToken(t *testing.T) {
	store := newMemStore(map[string]string{
		"jquants-mail-address": "svc@example.com",
		"jquants-password":     "svc-pw",
	})
	issuer := &fakeIssuer{tokens: map[string]string{"svc@example.com:svc-pw": "fresh"}}

	cfg := testConfig("production")
	cfg.JQuants.PersistRefreshToken = true

	r := NewResolverFromConfig(cfg, store, issuer, common.NewSilentLogger())
	cred, err := r.Resolve(context.Background())

	require.NoError(t, err)
	assert.Equal(t, "fresh", cred.RefreshToken)
	assert.Equal(t, models.CredentialSourceSecretLogin, cred.Source)
	assert.Equal(t, "fresh", store.puts["jquants-refresh-token"])
}

func TestResolve_PersistFailureIsNotFatal(t *testing.T) {
	store := newMemStore(map[string]string{
		"jquants-mail-address": "svc@example.com",
		"jquants-password":     "svc-pw",
	})
	store.putErr = errors.New("permission denied")
	issuer := &fakeIssuer{tokens: map[string]string{"svc@example.com:svc-pw": "fresh"}}

	cfg := testConfig("production")
	cfg.JQuants.PersistRefreshToken = true

	cred, err := NewResolverFromConfig(cfg, store, issuer, common.NewSilentLogger()).Resolve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "fresh", cred.RefreshToken)
}

func TestResolve_ExhaustedIsAuthErrorWithoutSecrets(t *testing.T) {
	store := newMemStore(map[string]string{
		"jquants-mail-address": "svc@example.com",
		"jquants-password":     "hunter2-secret",
	})
	store.getErr["jquants-refresh-token"] = errors.New("backend unavailable")
	issuer := &fakeIssuer{}

	var buf bytes.Buffer
	logger := common.NewLoggerWithOutput("debug", &buf)
	ctx := common.WithLogger(context.Background(), logger)

	_, err := NewResolverFromConfig(testConfig("production"), store, issuer, logger).Resolve(ctx)

	var authErr *common.AuthError
	require.ErrorAs(t, err, &authErr)
	assert.Contains(t, err.Error(), "secret-refresh-token")
	assert.Contains(t, err.Error(), "secret-login")
	assert.NotContains(t, buf.String(), "hunter2-secret")
	assert.Contains(t, buf.String(), "Credential source failed")
}

func TestResolve_NothingConfigured(t *testing.T) {
	r := NewResolver(common.NewSilentLogger(), &EnvLogin{}, &SecretRefreshToken{})
	_, err := r.Resolve(context.Background())

	var authErr *common.AuthError
	require.ErrorAs(t, err, &authErr)
	assert.Contains(t, err.Error(), "no credential source")
}

func TestResolve_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r := NewResolver(common.NewSilentLogger(), &SecretRefreshToken{Store: newMemStore(map[string]string{"t": "v"}), Secret: "t"})
	_, err := r.Resolve(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
