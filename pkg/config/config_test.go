// SPDX-FileCopyrightText: 2026 The meshgate Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/packet"
)

const testConfig = `
[gateway]
listen = "0.0.0.0:4433"

[logging]
level = "debug"
report-caller = false
format = "text"

[identity]
key-file = "identity.pgp"
priority = "NORMAL"

[policy]
import = "true"
keyserver = "https://keys.example.org"
min-validity = 50
keyring-dir = "keyring"

[status]
enabled = true
listen = "127.0.0.1:8080"
`

func writeTestConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "gated.toml")
	if err := os.WriteFile(path, []byte(testConfig), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadParsesAllBlocks(t *testing.T) {
	conf, err := Load(writeTestConfig(t))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if conf.Gateway.Listen != "0.0.0.0:4433" {
		t.Fatalf("unexpected gateway.listen: %q", conf.Gateway.Listen)
	}
	if conf.Logging.Level != "debug" {
		t.Fatalf("unexpected logging.level: %q", conf.Logging.Level)
	}
	if conf.Policy.MinValidity != 50 {
		t.Fatalf("unexpected policy.min-validity: %d", conf.Policy.MinValidity)
	}
	if !conf.Status.Enabled {
		t.Fatal("expected status.enabled to be true")
	}
}

func TestLoadUnknownFileFails(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Fatal("expected Load to fail for a nonexistent file")
	}
}

func TestSessionPolicyOpensKeyringStore(t *testing.T) {
	dir := t.TempDir()
	conf := &Config{Policy: policyConf{
		MinValidity: 60,
		KeyringDir:  filepath.Join(dir, "keyring"),
	}}

	policy, store, err := conf.SessionPolicy()
	if err != nil {
		t.Fatalf("SessionPolicy: %v", err)
	}
	defer store.Close()

	if policy.MinValidity != 60 {
		t.Fatalf("expected MinValidity 60, got %d", policy.MinValidity)
	}
	if policy.Keyring == nil {
		t.Fatal("expected Policy to wire in the opened keyring store")
	}
}

func TestCredentialsLoadsOpenPGPIdentity(t *testing.T) {
	entity, err := openpgp.NewEntity("gate", "", "gate@example.org", &packet.Config{RSABits: 2048})
	if err != nil {
		t.Fatalf("NewEntity: %v", err)
	}

	path := filepath.Join(t.TempDir(), "identity.pgp")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create key file: %v", err)
	}
	if err := entity.SerializePrivate(f, nil); err != nil {
		t.Fatalf("SerializePrivate: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close key file: %v", err)
	}

	conf := &Config{Identity: identityConf{KeyFile: path, Priority: "NORMAL"}}

	creds, err := conf.Credentials()
	if err != nil {
		t.Fatalf("Credentials: %v", err)
	}
	if len(creds.Certificate.Certificate) != 1 {
		t.Fatalf("expected one certificate blob, got %d", len(creds.Certificate.Certificate))
	}
	if creds.Certificate.PrivateKey == nil {
		t.Fatal("expected a signing key to be attached")
	}
	if creds.Priority != "NORMAL" {
		t.Fatalf("expected priority NORMAL, got %q", creds.Priority)
	}
}

func TestCredentialsRejectsMissingKeyFile(t *testing.T) {
	conf := &Config{Identity: identityConf{KeyFile: filepath.Join(t.TempDir(), "missing.pgp")}}
	if _, err := conf.Credentials(); err == nil {
		t.Fatal("expected Credentials to fail for a nonexistent key file")
	}
}

func TestApplyLoggingAcceptsUnknownLevelWithoutError(t *testing.T) {
	conf := &Config{Logging: logConf{Level: "not-a-real-level"}}
	conf.ApplyLogging() // must not panic
}
