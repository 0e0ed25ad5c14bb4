package secrets

import (
	"testing"

	"github.com/zalando/go-keyring"

	"github.com/jholhewres/herdctl/pkg/herdctl/errs"
)

func TestResolveFromEnv(t *testing.T) {
	t.Setenv("HERD_TEST_TOKEN", "  tok-123  ")

	got, err := Resolve("HERD_TEST_TOKEN")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if got != "tok-123" {
		t.Errorf("Resolve() = %q, want trimmed token", got)
	}
}

func TestResolveMissing(t *testing.T) {
	keyring.MockInit()

	_, err := Resolve("HERD_TEST_TOKEN_ABSENT")
	if !errs.HasCode(err, errs.ChatMissingToken) {
		t.Errorf("Resolve() error = %v, want CHAT_MISSING_TOKEN", err)
	}

	_, err = Resolve("")
	if !errs.HasCode(err, errs.ChatMissingToken) {
		t.Errorf("Resolve(\"\") error = %v, want CHAT_MISSING_TOKEN", err)
	}
}

func TestResolveFromKeyring(t *testing.T) {
	keyring.MockInit()

	if err := Store("HERD_TEST_KEYRING_TOKEN", "kr-456"); err != nil {
		t.Fatalf("Store() error = %v", err)
	}
	defer Delete("HERD_TEST_KEYRING_TOKEN")

	got, err := Resolve("HERD_TEST_KEYRING_TOKEN")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if got != "kr-456" {
		t.Errorf("Resolve() = %q, want kr-456", got)
	}

	// The environment wins over the keyring.
	t.Setenv("HERD_TEST_KEYRING_TOKEN", "env-789")
	if got, _ := Resolve("HERD_TEST_KEYRING_TOKEN"); got != "env-789" {
		t.Errorf("Resolve() = %q, env var should take precedence", got)
	}
}
