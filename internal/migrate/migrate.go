// Package migrate applies sequential schema migrations to on-disk data,
// upgrading from one version to the next.
//
// Each on-disk target (config TOML, settings store JSON) owns a [Registry]
// so version numbers and migration lists stay independent.
package migrate

import (
	"fmt"
	"log/slog"
	"sort"
)

// ///////////////////////////////////////////////
// Types
// ///////////////////////////////////////////////

// Migration represents a schema migration that upgrades on-disk data
// from one version to the next.
type Migration struct {
	// Version is the schema version this migration produces.
	Version int
	// Description is a short human-readable label for log output.
	Description string
	// Upgrade transforms data from the prior version to [Migration.Version].
	Upgrade func(data []byte) ([]byte, error)
}

// Registry holds the current version and migrations for a single schema
// target.
type Registry struct {
	// Name identifies the target in log output (e.g. "config", "store").
	Name string
	// CurrentVersion is the latest schema version that this registry targets.
	CurrentVersion int
	// Migrations is the list of versioned upgrades. Exported so tests can
	// override the list for a given registry instance.
	Migrations []Migration
}

// ///////////////////////////////////////////////
// Registry
// ///////////////////////////////////////////////

// Register appends a migration to the registry. It panics if a migration
// with the same version is already registered, or if the migration targets
// a version beyond [Registry.CurrentVersion].
func (r *Registry) Register(m Migration) {
	if m.Version > r.CurrentVersion {
		panic(fmt.Sprintf("migrate: %s migration v%d exceeds current version %d", r.Name, m.Version, r.CurrentVersion))
	}
	for _, existing := range r.Migrations {
		if existing.Version == m.Version {
			panic(fmt.Sprintf("migrate: duplicate %s migration version %d (description: %q)", r.Name, m.Version, m.Description))
		}
	}
	r.Migrations = append(r.Migrations, m)
}

// Pending reports whether data at fileVersion must be migrated.
func (r *Registry) Pending(fileVersion int) bool {
	return fileVersion < r.CurrentVersion
}

// Run applies registered migrations in version order where
// fromVersion < m.Version. Returns the transformed data, the final version
// reached, and any error. The data is returned unchanged when nothing applies.
func (r *Registry) Run(data []byte, fromVersion int) ([]byte, int, error) {
	sorted := make([]Migration, len(r.Migrations))
	copy(sorted, r.Migrations)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Version < sorted[j].Version
	})
	version := fromVersion
	for _, m := range sorted {
		if version >= m.Version {
			continue
		}
		slog.Info("applying migration", "target", r.Name, "version", m.Version, "description", m.Description)
		var err error
		data, err = m.Upgrade(data)
		if err != nil {
			return nil, version, fmt.Errorf("%s migration to v%d failed: %w", r.Name, m.Version, err)
		}
		version = m.Version
	}
	return data, version, nil
}

// ///////////////////////////////////////////////
// Registries
// ///////////////////////////////////////////////

// Config is the migration registry for config.toml files.
var Config = &Registry{Name: "config", CurrentVersion: 1}

// Store is the migration registry for the settings store. Version 1 is the
// flat key/value layout written by the original desktop app; version 2 wraps
// values in a versioned envelope.
var Store = &Registry{Name: "store", CurrentVersion: 2}
