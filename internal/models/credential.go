package models

import "encoding/json"

// Credential provenance values.
const (
	CredentialSourceEnv         = "env"
	CredentialSourceSecretStore = "secret-store"
	CredentialSourceSecretLogin = "secret-store-login"
)

// Credential is a provider refresh token plus where it came from. It lives
// only for the duration of one run; String and MarshalJSON never reveal the token.
type Credential struct {
	RefreshToken string
	Source       string
}

func (c Credential) String() string {
	return "Credential{source=" + c.Source + ", token=[redacted]}"
}

// MarshalJSON emits only the provenance.
func (c Credential) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Source string `json:"source"`
	}{Source: c.Source})
}
