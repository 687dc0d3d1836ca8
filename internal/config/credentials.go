package config

import (
	"encoding/json"
	"fmt"
	"os"
)

// Store backends understood by storage.Open.
const (
	BackendMinIO = "minio"
	BackendS3    = "s3"
	BackendLocal = "local"
)

// Credentials is the object store credentials file.
// Field names follow the JSON layout already used for the shared store.
type Credentials struct {
	EndpointURL string `json:"endpoint_url"`
	Token       string `json:"token"`
	Secret      string `json:"secret"`
	Region      string `json:"region"`
	Backend     string `json:"backend"`
	UseSSL      bool   `json:"use_ssl"`
	PathStyle   bool   `json:"path_style"`
	Root        string `json:"root"`
}

// CredentialError is returned when the credentials file cannot supply a usable store identity.
// It always surfaces before any write is attempted.
type CredentialError struct {
	Path   string
	Reason string
	Err    error
}

func (e *CredentialError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("credentials %s: %s: %v", e.Path, e.Reason, e.Err)
	}
	return fmt.Sprintf("credentials %s: %s", e.Path, e.Reason)
}

func (e *CredentialError) Unwrap() error {
	return e.Err
}

// LoadCredentials reads and validates a credentials file.
func LoadCredentials(path string) (*Credentials, error) {
	if path == "" {
		return nil, &CredentialError{Path: "<unset>", Reason: "no credentials file given"}
	}
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, &CredentialError{Path: path, Reason: "cannot read file", Err: err}
	}
	var creds Credentials
	if err := json.Unmarshal(buf, &creds); err != nil {
		return nil, &CredentialError{Path: path, Reason: "invalid JSON", Err: err}
	}
	if creds.Backend == "" {
		creds.Backend = BackendMinIO
	}
	if err := creds.validate(); err != nil {
		return nil, &CredentialError{Path: path, Reason: err.Error()}
	}
	return &creds, nil
}

func (c *Credentials) validate() error {
	switch c.Backend {
	case BackendMinIO, BackendS3:
		if c.EndpointURL == "" && c.Backend == BackendMinIO {
			return fmt.Errorf("endpoint_url is required")
		}
		if c.Token == "" {
			return fmt.Errorf("token is required")
		}
		if c.Secret == "" {
			return fmt.Errorf("secret is required")
		}
	case BackendLocal:
		if c.Root == "" {
			return fmt.Errorf("root is required for the local backend")
		}
	default:
		return fmt.Errorf("unknown backend %q", c.Backend)
	}
	return nil
}
