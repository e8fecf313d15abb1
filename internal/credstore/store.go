// Package credstore reads, validates, and deletes on-disk credential bundles.
//
// Ownership boundary:
// - bundle status checks (existence, registration, required key material)
// - validate-and-clean and forced-clear deletion policy
// - session-root sweeps and enumeration
package credstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"
)

// BundleFile is the credential bundle name inside each session directory.
const BundleFile = "creds.json"

var ErrSessionDirRequired = errors.New("credstore: session directory required")

const (
	ReasonCorrupt       = "corrupt"
	ReasonMissingFields = "missing required fields"
	ReasonUnregistered  = "not registered"
)

// RequiredFields lists the key-material fields a valid bundle must carry.
func RequiredFields() []string {
	return []string{
		"noiseKey",
		"pairingEphemeralKeyPair",
		"signedIdentityKey",
		"signedPreKey",
	}
}

// Status is the reduced validation outcome for one bundle. All failure modes
// collapse into Valid=false plus a reason; CheckStatus never fails.
type Status struct {
	Exists     bool
	Registered bool
	Valid      bool
	Reason     string
}

// CheckStatus inspects the bundle under sessionDir. It is a pure function of
// the on-disk content.
func CheckStatus(sessionDir string) Status {
	path := filepath.Join(sessionDir, BundleFile)
	data, err := os.ReadFile(path)
	if err != nil {
		return Status{Exists: false}
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return Status{Exists: true, Reason: ReasonCorrupt}
	}
	var registered bool
	if v, ok := raw["registered"]; ok {
		if err := json.Unmarshal(v, &registered); err != nil {
			return Status{Exists: true, Reason: ReasonCorrupt}
		}
	}

	for _, field := range RequiredFields() {
		v, ok := raw[field]
		if !ok || len(v) == 0 || string(v) == "null" {
			return Status{Exists: true, Registered: registered, Reason: ReasonMissingFields}
		}
	}
	if !registered {
		return Status{Exists: true, Registered: false, Reason: ReasonUnregistered}
	}
	return Status{Exists: true, Registered: true, Valid: true}
}

// ValidateAndClean deletes the session directory unless its bundle is valid
// and registered. Good sessions are never touched; everything else, including
// any failure while validating, is treated as corruption and removed.
func ValidateAndClean(sessionDir string) error {
	dir := strings.TrimSpace(sessionDir)
	if dir == "" {
		return ErrSessionDirRequired
	}
	status := CheckStatus(dir)
	if status.Valid && status.Registered {
		return nil
	}
	if !status.Exists {
		if _, err := os.Stat(dir); os.IsNotExist(err) {
			return nil
		}
	}
	log.Info().
		Str("dir", dir).
		Str("reason", status.Reason).
		Bool("registered", status.Registered).
		Msg("credstore removing session")
	return Clear(dir)
}

// Clear removes a session directory and its bundle unconditionally.
func Clear(sessionDir string) error {
	dir := strings.TrimSpace(sessionDir)
	if dir == "" {
		return ErrSessionDirRequired
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("credstore: clear %s: %w", dir, err)
	}
	return nil
}

// CleanupAll sweeps the immediate subdirectories of root with
// ValidateAndClean. One bad session must not block the others, so per-entry
// failures are logged and swallowed.
func CleanupAll(root string) error {
	entries, err := List(root)
	if err != nil {
		return err
	}
	for _, name := range entries {
		dir := filepath.Join(root, name)
		if err := ValidateAndClean(dir); err != nil {
			log.Warn().Str("dir", dir).Err(err).Msg("credstore sweep entry failed")
		}
	}
	return nil
}

// List returns the immediate session subdirectory names under root, sorted.
// A missing root yields an empty list.
func List(root string) ([]string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("credstore: list %s: %w", root, err)
	}
	out := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			out = append(out, entry.Name())
		}
	}
	sort.Strings(out)
	return out, nil
}

// SaveAuthState persists updated credential fields back into the bundle.
// Used by the event router when the protocol reports credentials-changed.
func SaveAuthState(sessionDir string, registered bool, fields map[string]json.RawMessage) error {
	dir := strings.TrimSpace(sessionDir)
	if dir == "" {
		return ErrSessionDirRequired
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("credstore: mkdir %s: %w", dir, err)
	}
	raw := make(map[string]json.RawMessage, len(fields)+1)
	for k, v := range fields {
		raw[k] = v
	}
	reg, err := json.Marshal(registered)
	if err != nil {
		return fmt.Errorf("credstore: encode registered: %w", err)
	}
	raw["registered"] = reg
	data, err := json.MarshalIndent(raw, "", "  ")
	if err != nil {
		return fmt.Errorf("credstore: encode bundle: %w", err)
	}
	path := filepath.Join(dir, BundleFile)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("credstore: write %s: %w", path, err)
	}
	return nil
}
