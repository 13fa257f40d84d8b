// SPDX-FileCopyrightText: 2026 The meshgate Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package config loads the gated TOML configuration file and watches it
// for changes to the verification policy, so the policy can be adjusted
// without restarting established sessions.
package config

import (
	"bytes"
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"

	"github.com/overlaynet/meshgate/pkg/keyring"
	"github.com/overlaynet/meshgate/pkg/session"
)

// Config describes the gated TOML configuration file.
type Config struct {
	Gateway  gatewayConf
	Logging  logConf
	Identity identityConf
	Policy   policyConf
	Status   statusConf `toml:"status"`
}

// gatewayConf describes the Gateway-configuration block.
type gatewayConf struct {
	Listen string
}

// logConf describes the Logging-configuration block.
type logConf struct {
	Level        string
	ReportCaller bool `toml:"report-caller"`
	Format       string
}

// identityConf names the OpenPGP secret key presented as this node's
// identity during the handshake.
type identityConf struct {
	KeyFile  string `toml:"key-file"`
	Priority string
}

// policyConf describes the peer-verification policy.
type policyConf struct {
	Import      string
	Keyserver   string
	MinValidity int    `toml:"min-validity"`
	KeyringDir  string `toml:"keyring-dir"`
}

// statusConf describes the optional read-only HTTP status surface.
type statusConf struct {
	Enabled bool
	Listen  string
}

// Load parses the TOML file at filename.
func Load(filename string) (*Config, error) {
	var conf Config
	if _, err := toml.DecodeFile(filename, &conf); err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", filename, err)
	}
	return &conf, nil
}

// Credentials loads the configured OpenPGP secret key (armored or
// binary) and builds the DTLS identity from it, so the key block this
// node puts on the wire is the same format peer verification parses.
func (c *Config) Credentials() (session.Credentials, error) {
	raw, err := os.ReadFile(c.Identity.KeyFile)
	if err != nil {
		return session.Credentials{}, fmt.Errorf("config: read identity key: %w", err)
	}

	var entities openpgp.EntityList
	if bytes.HasPrefix(bytes.TrimSpace(raw), []byte("-----BEGIN")) {
		entities, err = openpgp.ReadArmoredKeyRing(bytes.NewReader(raw))
	} else {
		entities, err = openpgp.ReadKeyRing(bytes.NewReader(raw))
	}
	if err != nil {
		return session.Credentials{}, fmt.Errorf("config: parse identity key %s: %w", c.Identity.KeyFile, err)
	}

	for _, e := range entities {
		if e.PrivateKey != nil {
			return session.NewCredentials(e, c.Identity.Priority)
		}
	}
	return session.Credentials{}, fmt.Errorf("config: %s contains no private key", c.Identity.KeyFile)
}

// SessionPolicy builds the session.Policy the configured block
// describes, opening the on-disk keyring store backing it.
func (c *Config) SessionPolicy() (session.Policy, *keyring.Store, error) {
	store, err := keyring.Open(c.Policy.KeyringDir, c.Policy.MinValidity)
	if err != nil {
		return session.Policy{}, nil, fmt.Errorf("config: open keyring: %w", err)
	}
	return c.SessionPolicyWith(store), store, nil
}

// SessionPolicyWith builds the session.Policy around an already-open
// keyring. Reload paths use it to pick up changed policy keys without
// reopening the store, which holds an exclusive lock on its directory.
func (c *Config) SessionPolicyWith(kr keyring.Keyring) session.Policy {
	return session.Policy{
		Import:      c.Policy.Import,
		Keyserver:   c.Policy.Keyserver,
		MinValidity: c.Policy.MinValidity,
		Keyring:     kr,
	}
}

// ApplyLogging configures the package-level logrus logger from the
// Logging block.
func (c *Config) ApplyLogging() {
	if level, err := log.ParseLevel(c.Logging.Level); err == nil {
		log.SetLevel(level)
	} else if c.Logging.Level != "" {
		log.WithField("level", c.Logging.Level).Warn("config: unknown log level, leaving default")
	}

	log.SetReportCaller(c.Logging.ReportCaller)

	switch c.Logging.Format {
	case "json":
		log.SetFormatter(&log.JSONFormatter{})
	default:
		log.SetFormatter(&log.TextFormatter{})
	}
}

// Watcher reloads the configuration whenever the file changes on disk,
// without requiring a process restart.
type Watcher struct {
	filename string
	watcher  *fsnotify.Watcher
	onChange func(Config)
}

// NewWatcher starts watching filename for writes, invoking onChange with
// the freshly reloaded Config on every change. Decode errors are logged
// and skipped; the previous, still-valid Config remains in effect.
func NewWatcher(filename string, onChange func(Config)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: create watcher: %w", err)
	}
	if err := fw.Add(filename); err != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("config: watch %s: %w", filename, err)
	}

	w := &Watcher{filename: filename, watcher: fw, onChange: onChange}
	go w.loop()
	return w, nil
}

func (w *Watcher) loop() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			conf, err := Load(w.filename)
			if err != nil {
				log.WithField("error", err).Warn("config: reload failed, keeping previous configuration")
				continue
			}
			log.Debug("config: reloaded")
			w.onChange(*conf)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.WithField("error", err).Warn("config: watcher error")
		}
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	return w.watcher.Close()
}
