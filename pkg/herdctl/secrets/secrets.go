// Package secrets resolves bot tokens and similar credentials. Resolution
// order: named environment variable first, then the OS keyring under the
// "herdctl" service. The keyring fallback lets operators avoid leaving
// long-lived tokens in env files.
package secrets

import (
	"os"
	"strings"

	"github.com/zalando/go-keyring"

	"github.com/jholhewres/herdctl/pkg/herdctl/errs"
)

// Service is the keyring service name herdctl stores credentials under.
const Service = "herdctl"

// Resolve returns the credential named by envVar: the env var value when set,
// otherwise the keyring entry keyed by the same name. Returns
// CHAT_MISSING_TOKEN when neither is present.
func Resolve(envVar string) (string, error) {
	if envVar == "" {
		return "", errs.E(errs.ChatMissingToken, "no token variable configured")
	}
	if v := strings.TrimSpace(os.Getenv(envVar)); v != "" {
		return v, nil
	}
	if v, err := keyring.Get(Service, envVar); err == nil && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v), nil
	}
	return "", errs.E(errs.ChatMissingToken, "token %s not set in environment or keyring", envVar)
}

// Store saves a credential in the OS keyring under the given variable name.
func Store(envVar, value string) error {
	return keyring.Set(Service, envVar, value)
}

// Delete removes a credential from the OS keyring.
func Delete(envVar string) error {
	return keyring.Delete(Service, envVar)
}
