// Package credentials loads orchestrator secrets from standard locations.
package credentials

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/BurntSushi/toml"
)

// ErrInsecurePermissions is returned when credentials file has overly permissive permissions.
var ErrInsecurePermissions = fmt.Errorf("credentials file has insecure permissions")

// Environment fallbacks, consulted when the file has no value.
const (
	EnvSigningSecret = "MILESTONE_SIGNING_SECRET"
	EnvNATSToken     = "NATS_TOKEN"
	EnvAPIToken      = "ORCHESTRATOR_API_TOKEN"
)

// Credentials holds the secrets loaded from credentials.toml.
//
//	[milestone]
//	signing_secret = "..."
//
//	[nats]
//	token = "..."
//
//	[http]
//	api_token = "..."
type Credentials struct {
	sections map[string]map[string]string
}

// StandardPaths returns the standard credential file locations in order of priority
func StandardPaths() []string {
	paths := []string{}

	// 1. Current directory
	paths = append(paths, "credentials.toml")

	// 2. ~/.config/orchestrator/credentials.toml
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "orchestrator", "credentials.toml"))
	}

	return paths
}

// Load loads credentials from the first available standard location
func Load() (*Credentials, string, error) {
	for _, path := range StandardPaths() {
		if _, err := os.Stat(path); err == nil {
			creds, err := LoadFile(path)
			if err != nil {
				return nil, path, err
			}
			return creds, path, nil
		}
	}
	return nil, "", nil // No credentials file found (not an error)
}

// LoadFile loads credentials from a specific file.
// Returns ErrInsecurePermissions if file is readable by group or others.
func LoadFile(path string) (*Credentials, error) {
	if runtime.GOOS != "windows" {
		info, err := os.Stat(path)
		if err != nil {
			return nil, err
		}
		mode := info.Mode().Perm()
		// Credentials must be 0400 (owner read-only)
		if mode != 0400 {
			return nil, fmt.Errorf("%w: %s has mode %04o (must be 0400)",
				ErrInsecurePermissions, path, mode)
		}
	}

	var rawData map[string]interface{}
	if _, err := toml.DecodeFile(path, &rawData); err != nil {
		return nil, err
	}

	creds := &Credentials{sections: make(map[string]map[string]string)}
	for name, value := range rawData {
		section, ok := value.(map[string]interface{})
		if !ok {
			continue
		}
		vals := make(map[string]string)
		for k, v := range section {
			if s, ok := v.(string); ok && s != "" {
				vals[k] = s
			}
		}
		creds.sections[name] = vals
	}
	return creds, nil
}

// Get returns section.key from the file, or the named environment
// variable when the file does not set it.
func (c *Credentials) Get(section, key, envVar string) string {
	if c != nil {
		if v := c.sections[section][key]; v != "" {
			return v
		}
	}
	if envVar == "" {
		return ""
	}
	return os.Getenv(envVar)
}

// SigningSecret is the HMAC secret shared with the milestone subscriber.
func (c *Credentials) SigningSecret() string {
	return c.Get("milestone", "signing_secret", EnvSigningSecret)
}

// NATSToken authenticates the alert sink connection.
func (c *Credentials) NATSToken() string {
	return c.Get("nats", "token", EnvNATSToken)
}

// APIToken is the bearer token required by the HTTP API. Empty disables
// the check.
func (c *Credentials) APIToken() string {
	return c.Get("http", "api_token", EnvAPIToken)
}
