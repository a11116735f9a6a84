// Package store is the daemon's persistent key/value store.
//
// Values are JSON documents kept in a single settings file in the data
// directory. The file is rewritten atomically on every change. Version 1
// files are the flat object the desktop app wrote; they are upgraded in
// place to the versioned envelope on first open.
package store

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"

	"tools.zach/dev/xblbeacon/internal/atomicfile"
	"tools.zach/dev/xblbeacon/internal/migrate"
)

// ///////////////////////////////////////////////
// Keys
// ///////////////////////////////////////////////

// Persisted keys.
const (
	KeyDiscordUser            = "discordUser"
	KeyInsigniaSession        = "insigniaSession"
	KeyInsigniaUser           = "insigniaUser"
	KeyPresenceActive         = "presenceActive"
	KeyPresenceStartTimestamp = "presenceStartTimestamp"
	KeyLastCheck              = "lastCheck"
	KeyLastGameName           = "lastGameName"
	KeyTotalPlayTimeMinutes   = "totalPlayTimeMinutes"
	KeyAutoStart              = "autoStart"
	KeyHasMinimizedBefore     = "hasMinimizedBefore"
)

// ErrInvalidKey is returned for empty or whitespace-only keys.
var ErrInvalidKey = errors.New("invalid store key")

// fileMode keeps session keys readable only by the owner.
const fileMode = 0o600

// ///////////////////////////////////////////////
// File Format
// ///////////////////////////////////////////////

// envelope is the on-disk layout from version 2 on.
type envelope struct {
	Version int                        `json:"$version"`
	Values  map[string]json.RawMessage `json:"values"`
}

func init() {
	migrate.Store.Register(migrate.Migration{
		Version:     2,
		Description: "wrap flat settings in a versioned envelope",
		Upgrade:     wrapFlat,
	})
}

// wrapFlat converts the flat v1 object into a v2 envelope.
func wrapFlat(data []byte) ([]byte, error) {
	values := map[string]json.RawMessage{}
	if len(bytes.TrimSpace(data)) > 0 {
		if err := json.Unmarshal(data, &values); err != nil {
			return nil, fmt.Errorf("parsing v1 settings: %w", err)
		}
	}
	return json.Marshal(envelope{Version: 2, Values: values})
}

// PeekVersion returns the $version of raw store data. Files without the
// field are version 1.
func PeekVersion(data []byte) (int, error) {
	var partial struct {
		Version int `json:"$version"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return 0, fmt.Errorf("peeking version: %w", err)
	}
	if partial.Version == 0 {
		return 1, nil
	}
	return partial.Version, nil
}

// ///////////////////////////////////////////////
// Store
// ///////////////////////////////////////////////

// Store is a JSON file backed key/value store. It is safe for concurrent
// use within one process. Other processes may edit the file; call
// [Store.Reload] to pick their changes up.
type Store struct {
	path string

	mu     sync.RWMutex
	values map[string]json.RawMessage
}

// Open loads the store at path. A missing file yields an empty store. A
// corrupted file is backed up to path.corrupted and replaced with an empty
// store.
func Open(path string) (*Store, error) {
	s := &Store{path: path, values: map[string]json.RawMessage{}}

	values, err := readFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return s, nil
	case errors.Is(err, errCorrupt):
		slog.Warn("corrupted settings file, backing up", "path", path, "error", err)
		if data, rErr := os.ReadFile(path); rErr == nil {
			if wErr := os.WriteFile(path+".corrupted", data, fileMode); wErr != nil {
				slog.Warn("failed to write backup", "path", path+".corrupted", "error", wErr)
			}
		}
		if sErr := s.save(); sErr != nil {
			return nil, sErr
		}
		return s, nil
	case err != nil:
		return nil, err
	}

	s.values = values
	return s, nil
}

// errCorrupt marks unparseable settings files.
var errCorrupt = errors.New("corrupted settings file")

// readFile reads and, if needed, migrates the settings file. Migrated data
// is written back before returning.
func readFile(path string) (map[string]json.RawMessage, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return map[string]json.RawMessage{}, nil
	}

	version, err := PeekVersion(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errCorrupt, err)
	}

	migrated := migrate.Store.Pending(version)
	if migrated {
		if bErr := os.WriteFile(fmt.Sprintf("%s.v%d.bak", path, version), data, fileMode); bErr != nil {
			slog.Warn("failed to write settings backup", "error", bErr)
		}
		if data, _, err = migrate.Store.Run(data, version); err != nil {
			return nil, fmt.Errorf("%w: %v", errCorrupt, err)
		}
	} else if version > migrate.Store.CurrentVersion {
		slog.Warn("future settings version, reading as current", "version", version, "current", migrate.Store.CurrentVersion)
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", errCorrupt, err)
	}
	if env.Values == nil {
		env.Values = map[string]json.RawMessage{}
	}
	// The file is indented; keep values compact so they compare equal to
	// freshly marshaled ones.
	for k, v := range env.Values {
		var buf bytes.Buffer
		if err := json.Compact(&buf, v); err == nil {
			env.Values[k] = buf.Bytes()
		}
	}

	if migrated {
		env.Version = migrate.Store.CurrentVersion
		if err := atomicfile.WriteJSON(path, env, fileMode); err != nil {
			slog.Warn("failed to save migrated settings", "path", path, "error", err)
		}
	}
	return env.Values, nil
}

// Path returns the backing file path.
func (s *Store) Path() string { return s.path }

// Get decodes the value stored under key into dst. It reports false when the
// key is absent, leaving dst untouched.
func (s *Store) Get(key string, dst any) (bool, error) {
	if err := checkKey(key); err != nil {
		return false, err
	}
	s.mu.RLock()
	raw, ok := s.values[key]
	s.mu.RUnlock()
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return true, fmt.Errorf("decoding %s: %w", key, err)
	}
	return true, nil
}

// Has reports whether key is present with a non-null value.
func (s *Store) Has(key string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	raw, ok := s.values[key]
	return ok && string(raw) != "null"
}

// GetString returns the string under key, or "" when absent or not a string.
func (s *Store) GetString(key string) string {
	var v string
	if _, err := s.Get(key, &v); err != nil {
		return ""
	}
	return v
}

// GetBool returns the bool under key, or false when absent or not a bool.
func (s *Store) GetBool(key string) bool {
	var v bool
	if _, err := s.Get(key, &v); err != nil {
		return false
	}
	return v
}

// Set stores v under key and persists the store.
func (s *Store) Set(key string, v any) error {
	if err := checkKey(key); err != nil {
		return err
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", key, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.values[key]; ok && bytes.Equal(old, raw) {
		return nil
	}
	s.values[key] = raw
	return s.saveLocked()
}

// Delete removes key and persists the store. Deleting an absent key is a
// no-op.
func (s *Store) Delete(key string) error {
	if err := checkKey(key); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.values[key]; !ok {
		return nil
	}
	delete(s.values, key)
	return s.saveLocked()
}

// Keys returns the stored keys in sorted order.
func (s *Store) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.values))
	for k := range s.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Reload re-reads the backing file and returns the keys whose values were
// added, changed or removed by someone else. A missing file reloads as
// empty.
func (s *Store) Reload() ([]string, error) {
	// Held across the read so a concurrent Set cannot be overwritten by
	// older file contents.
	s.mu.Lock()
	defer s.mu.Unlock()

	values, err := readFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		values, err = map[string]json.RawMessage{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reloading settings: %w", err)
	}

	var changed []string
	for k, v := range values {
		if old, ok := s.values[k]; !ok || !bytes.Equal(old, v) {
			changed = append(changed, k)
		}
	}
	for k := range s.values {
		if _, ok := values[k]; !ok {
			changed = append(changed, k)
		}
	}
	sort.Strings(changed)
	s.values = values
	return changed, nil
}

func (s *Store) save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked()
}

// saveLocked writes the envelope to disk. The caller must hold s.mu.
func (s *Store) saveLocked() error {
	env := envelope{Version: migrate.Store.CurrentVersion, Values: s.values}
	if err := atomicfile.WriteJSON(s.path, env, fileMode); err != nil {
		return fmt.Errorf("saving settings: %w", err)
	}
	return nil
}

func checkKey(key string) error {
	if strings.TrimSpace(key) == "" {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return nil
}
