// SPDX-FileCopyrightText: 2026 The meshgate Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package keyring stores imported OpenPGP keys keyed by hex-encoded
// fingerprint and reports the trust and validity state a verifying
// session needs. It also knows how to fetch missing keys from an
// HKP-style keyserver.
package keyring

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/packet"
	log "github.com/sirupsen/logrus"
	"github.com/timshannon/badgerhold"
)

// State is the trust/lifecycle state of a key or subkey.
type State int

const (
	StateGood State = iota
	StateDisabled
	StateInvalid
	StateRevoked
	StateExpired
)

// Subkey mirrors one subkey of a locally-held key record.
type Subkey struct {
	FingerprintHex  string
	CanAuthenticate bool
	State           State
}

// Key is a locally-held key record, as returned by Lookup.
type Key struct {
	FingerprintHex string
	State          State
	UIDValidity    int
	Subkeys        []Subkey
}

// Keyring is the contract peer verification relies on. It is handed to a
// session through its gateway's policy rather than read from global
// configuration, so sessions stay testable in isolation.
type Keyring interface {
	// Import parses raw and stores it under its primary fingerprint.
	Import(raw []byte) error
	// Lookup returns the locally-held key for a fingerprint, if any.
	Lookup(fingerprintHex string) (*Key, bool)
	// Fetch queries a keyserver by fingerprint and imports the result, if found.
	Fetch(keyserver, fingerprintHex string) (bool, error)
}

// entryRecord is the badgerhold-persisted form of a Key.
type entryRecord struct {
	FingerprintHex string
	State          State
	UIDValidity    int
	Subkeys        []Subkey
}

// Store is a badgerhold-backed Keyring. One Store instance belongs to one
// gateway and is shared by every session it verifies.
type Store struct {
	db *badgerhold.Store
	// minValidityOnImport is assigned to freshly imported keys; a full
	// keyring would derive this from a web-of-trust computation.
	minValidityOnImport int
}

// Open opens (creating if necessary) a badgerhold-backed keyring at dir.
func Open(dir string, defaultValidity int) (*Store, error) {
	opts := badgerhold.DefaultOptions
	opts.Dir = dir
	opts.ValueDir = dir
	db, err := badgerhold.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("keyring: open %s: %w", dir, err)
	}
	return &Store{db: db, minValidityOnImport: defaultValidity}, nil
}

// Close releases the underlying badger database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Import(raw []byte) error {
	entity, err := openpgp.ReadEntity(packet.NewReader(bytes.NewReader(raw)))
	if err != nil {
		return fmt.Errorf("keyring: parse entity: %w", err)
	}

	rec := entryRecord{
		FingerprintHex: fmt.Sprintf("%x", entity.PrimaryKey.Fingerprint),
		State:          StateGood,
		UIDValidity:    s.minValidityOnImport,
	}
	for _, sk := range entity.Subkeys {
		rec.Subkeys = append(rec.Subkeys, Subkey{
			FingerprintHex:  fmt.Sprintf("%x", sk.PublicKey.Fingerprint),
			CanAuthenticate: subkeyCanAuthenticate(sk),
			State:           subkeyState(sk),
		})
	}

	if err := s.db.Upsert(rec.FingerprintHex, rec); err != nil {
		return fmt.Errorf("keyring: store %s: %w", rec.FingerprintHex, err)
	}

	log.WithField("fingerprint", rec.FingerprintHex).Debug("keyring: imported key")
	return nil
}

func (s *Store) Lookup(fingerprintHex string) (*Key, bool) {
	var rec entryRecord
	if err := s.db.Get(fingerprintHex, &rec); err != nil {
		return nil, false
	}
	return &Key{
		FingerprintHex: rec.FingerprintHex,
		State:          rec.State,
		UIDValidity:    rec.UIDValidity,
		Subkeys:        rec.Subkeys,
	}, true
}

// Fetch retrieves a key by fingerprint from an HKP-style keyserver and
// imports it on success.
func (s *Store) Fetch(keyserver, fingerprintHex string) (bool, error) {
	url := fmt.Sprintf("%s/pks/lookup?op=get&options=mr&search=0x%s", keyserver, fingerprintHex)

	client := http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		return false, fmt.Errorf("keyring: keyserver fetch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return false, nil
	}
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("keyring: keyserver %s returned %s", keyserver, resp.Status)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return false, fmt.Errorf("keyring: read keyserver response: %w", err)
	}

	if err := s.Import(body); err != nil {
		return false, err
	}
	return true, nil
}

func subkeyCanAuthenticate(sk openpgp.Subkey) bool {
	if sk.Sig == nil {
		return false
	}
	return sk.Sig.FlagsValid && sk.Sig.FlagAuthenticate
}

func subkeyState(sk openpgp.Subkey) State {
	switch {
	case sk.PublicKey == nil || sk.Sig == nil:
		return StateInvalid
	case sk.Sig.KeyLifetimeSecs != nil && *sk.Sig.KeyLifetimeSecs > 0 &&
		sk.PublicKey.CreationTime.Add(time.Duration(*sk.Sig.KeyLifetimeSecs)*time.Second).Before(time.Now()):
		return StateExpired
	default:
		return StateGood
	}
}
