// Package sundaesecret provides AWS Secrets Manager integration for loading
// configuration secrets into Go structs.
package sundaesecret

import (
	"fmt"

	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/secretsmanager"
	"github.com/savaki/secrets"
)

// LoadSecret decodes the JSON secret stored under secretName into data, which
// must be a pointer.
func LoadSecret(s *session.Session, secretName string, data interface{}) error {
	api := secrets.WithSecretsManager(secretsmanager.New(s))
	manager, err := secrets.NewManager(api)
	if err != nil {
		return fmt.Errorf("failed to initialize secrets: %w", err)
	}

	if err := manager.Decode(secretName, data); err != nil {
		return fmt.Errorf("failed to load secret %v: %w", secretName, err)
	}
	return nil
}

// APIKey is the shape of the secret holding the relay's backend credential.
type APIKey struct {
	APIKey string `json:"api_key"`
}

// LoadAPIKey loads an APIKey secret. An empty name means no key is configured.
func LoadAPIKey(s *session.Session, secretName string) (string, error) {
	if secretName == "" {
		return "", nil
	}
	var key APIKey
	if err := LoadSecret(s, secretName, &key); err != nil {
		return "", err
	}
	if key.APIKey == "" {
		return "", fmt.Errorf("secret %v has no api_key", secretName)
	}
	return key.APIKey, nil
}
