package vault

import (
	"fmt"
	"os"
	"strings"

	"github.com/zalando/go-keyring"
)

const serviceName = "ttscore"

// Vault provides secure storage for external TTS dispatcher API keys
// using the OS keychain, with fallback to environment variables. Each
// key is addressed by a reference path like "dispatcher/<model_slug>"
// rather than a fixed provider name, since dispatcher endpoints are
// configured per deployment (cfg.Dispatcher.Endpoints), not hardcoded.
type Vault struct{}

// New creates a new Vault instance.
func New() *Vault {
	return &Vault{}
}

// Set stores an API key under ref (e.g. "dispatcher/hd") in the OS
// keychain.
func (v *Vault) Set(ref, key string) error {
	return keyring.Set(serviceName, ref, key)
}

// Get retrieves the API key stored under ref. It first checks the OS
// keychain, then falls back to the environment variable
// TTSCORE_KEY_{UPPER(ref)} (non-alphanumeric characters replaced with
// underscores).
func (v *Vault) Get(ref string) (string, error) {
	secret, err := keyring.Get(serviceName, ref)
	if err == nil && secret != "" {
		return secret, nil
	}

	envKey := envVarFor(ref)
	if val := os.Getenv(envKey); val != "" {
		return val, nil
	}

	return "", fmt.Errorf("no key found for %q: not in keychain and %s not set", ref, envKey)
}

// Delete removes the API key stored under ref from the OS keychain.
func (v *Vault) Delete(ref string) error {
	return keyring.Delete(serviceName, ref)
}

// List reports which of the given key references (typically the
// "dispatcher/<model_slug>" refs derived from cfg.Dispatcher.Endpoints)
// currently have a key stored, checking both the keychain and the
// environment-variable fallback for each.
func (v *Vault) List(refs []string) ([]string, error) {
	var found []string

	for _, ref := range refs {
		if secret, err := keyring.Get(serviceName, ref); err == nil && secret != "" {
			found = append(found, ref)
			continue
		}
		if val := os.Getenv(envVarFor(ref)); val != "" {
			found = append(found, ref)
		}
	}

	return found, nil
}

func envVarFor(ref string) string {
	upper := strings.ToUpper(ref)
	return "TTSCORE_KEY_" + strings.Map(func(r rune) rune {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			return r
		}
		return '_'
	}, upper)
}

// ResolveKeyRef parses a key reference and retrieves the corresponding API key.
// Supported formats:
//   - "keyring://ttscore/<ref>" (preferred; <ref> is typically "dispatcher/<model_slug>")
//   - "keychain:ttscore/<ref>" (legacy)
//   - "env:VARIABLE_NAME" (environment variable)
//   - "file:///path/to/key" (plain-text file)
func (v *Vault) ResolveKeyRef(keyRef string) (string, error) {
	// Format 1: keyring://ttscore/<ref>
	if strings.HasPrefix(keyRef, "keyring://") {
		path := strings.TrimPrefix(keyRef, "keyring://")
		parts := strings.SplitN(path, "/", 2)
		if len(parts) != 2 || parts[0] != serviceName || parts[1] == "" {
			return "", fmt.Errorf("invalid key reference format: %q (expected \"keyring://ttscore/<ref>\")", keyRef)
		}
		return v.Get(parts[1])
	}

	// Format 2: keychain:ttscore/<ref> (legacy)
	if strings.HasPrefix(keyRef, "keychain:") {
		path := strings.TrimPrefix(keyRef, "keychain:")
		parts := strings.SplitN(path, "/", 2)
		if len(parts) != 2 || parts[0] != serviceName || parts[1] == "" {
			return "", fmt.Errorf("invalid key reference path: %q (expected \"ttscore/<ref>\")", path)
		}
		return v.Get(parts[1])
	}

	// Format 3: env:VARIABLE_NAME
	if strings.HasPrefix(keyRef, "env:") {
		envVar := strings.TrimPrefix(keyRef, "env:")
		if val := os.Getenv(envVar); val != "" {
			return val, nil
		}
		return "", fmt.Errorf("environment variable %q is not set", envVar)
	}

	// Format 4: file:///path/to/key
	if strings.HasPrefix(keyRef, "file://") {
		filePath := strings.TrimPrefix(keyRef, "file://")
		data, err := os.ReadFile(filePath)
		if err != nil {
			return "", fmt.Errorf("reading key file %q: %w", filePath, err)
		}
		key := strings.TrimSpace(string(data))
		if key == "" {
			return "", fmt.Errorf("key file %q is empty", filePath)
		}
		return key, nil
	}

	return "", fmt.Errorf("invalid key reference format: %q (expected \"keyring://ttscore/<ref>\", \"keychain:ttscore/<ref>\", \"env:VARIABLE_NAME\", or \"file:///path/to/key\")", keyRef)
}
