// ABOUTME: Credential file holding the agent's relay token and gateway address.
// ABOUTME: The token is opaque here; validity is only ever decided by the gateway.

package agent

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Credentials is the on-disk credential record. Presence of the file is
// the only local signal; an expired or revoked token surfaces as an
// authentication failure when connecting.
type Credentials struct {
	Token       string `json:"token"`
	GatewayURL  string `json:"gateway_url"`
	MachineName string `json:"machine_name,omitempty"`
}

// DefaultCredentialsPath returns ~/.relay-gateway/agent_token.json.
func DefaultCredentialsPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".relay-gateway", "agent_token.json"), nil
}

// LoadCredentials reads the credential file at path.
func LoadCredentials(path string) (*Credentials, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var creds Credentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return nil, fmt.Errorf("parsing credentials %s: %w", path, err)
	}
	if creds.Token == "" {
		return nil, fmt.Errorf("credentials %s: missing token", path)
	}
	return &creds, nil
}

// SaveCredentials writes the credential file, creating its directory.
// The file is owner-readable only.
func SaveCredentials(path string, creds *Credentials) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating credentials directory: %w", err)
	}

	data, err := json.MarshalIndent(creds, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding credentials: %w", err)
	}

	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing credentials: %w", err)
	}
	return nil
}
