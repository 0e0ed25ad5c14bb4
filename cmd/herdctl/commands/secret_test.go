package commands

import (
	"testing"

	"github.com/zalando/go-keyring"

	"github.com/jholhewres/herdctl/pkg/herdctl/errs"
	"github.com/jholhewres/herdctl/pkg/herdctl/secrets"
)

func runCommand(t *testing.T, args ...string) error {
	t.Helper()
	cmd := NewRootCmd("test")
	cmd.SetArgs(args)
	return cmd.Execute()
}

func TestSecretSetAndUnset(t *testing.T) {
	keyring.MockInit()

	if err := runCommand(t, "secret", "set", "HERD_CMD_TOKEN", "tok-abc"); err != nil {
		t.Fatalf("secret set error = %v", err)
	}
	got, err := secrets.Resolve("HERD_CMD_TOKEN")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if got != "tok-abc" {
		t.Errorf("Resolve() = %q, want the stored token", got)
	}

	if err := runCommand(t, "secret", "unset", "HERD_CMD_TOKEN"); err != nil {
		t.Fatalf("secret unset error = %v", err)
	}
	if _, err := secrets.Resolve("HERD_CMD_TOKEN"); !errs.HasCode(err, errs.ChatMissingToken) {
		t.Errorf("Resolve() error = %v, want CHAT_MISSING_TOKEN after unset", err)
	}
}

func TestSecretSetRequiresNameAndValue(t *testing.T) {
	keyring.MockInit()

	if err := runCommand(t, "secret", "set", "ONLY_A_NAME"); err == nil {
		t.Error("secret set with a missing value should fail")
	}
}
