// Package version is the registry of ritual app versions.
//
// Each version namespaces its local storage, so records written under one
// version are never visible from another. Cloud sync exists from v1.2.0.
package version

import (
	"fmt"
	"sort"
)

// StorageKeyPrefix prefixes every per-version local storage key. The name
// predates intentions and is kept so existing device data stays readable.
const StorageKeyPrefix = "mystical-desires-"

// Version describes one release of the app.
type Version struct {
	ID          string `json:"id" yaml:"id"`
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description" yaml:"description"`
	CreatedAt   string `json:"created_at" yaml:"created_at"`
	Active      bool   `json:"active" yaml:"active"`
	cloudSync   bool
	// storageID overrides ID in the storage key. v1.0.0 shipped as "v1".
	storageID   string
}

// CloudSync reports whether this version signs users in and stores their
// intentions remotely.
func (v Version) CloudSync() bool {
	return v.cloudSync
}

// StorageKey is the local key-value key holding this version's intentions.
func (v Version) StorageKey() string {
	if v.storageID != "" {
		return StorageKeyPrefix + v.storageID
	}
	return StorageKeyPrefix + v.ID
}

var versions = []Version{
	{
		ID:          "v1.0.0",
		Name:        "Mystical Ritual v1.0.0",
		Description: "Original mystical manifestation app with Call It In and Burn It panels",
		CreatedAt:   "2025-07-24",
		storageID:   "v1",
	},
	{
		ID:          "v1.1.0",
		Name:        "Mystical Ritual v1.1.0",
		Description: "Enhanced with beautiful animated mystical flames and cinematic burn effects",
		CreatedAt:   "2025-07-24",
	},
	{
		ID:          "v1.2.0",
		Name:        "Mystical Ritual v1.2.0",
		Description: "Cloud sync with authentication, magic link login, and cross-device intention storage",
		CreatedAt:   "2025-07-24",
		Active:      true,
		cloudSync:   true,
	},
}

// All returns every version, newest first. Versions sharing a date keep
// their release order reversed, so the latest release leads.
func All() []Version {
	out := make([]Version, len(versions))
	for i := range versions {
		out[len(versions)-1-i] = versions[i]
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt > out[j].CreatedAt
	})
	return out
}

// Active returns the version marked active, or the first version when none is.
func Active() Version {
	for _, v := range versions {
		if v.Active {
			return v
		}
	}
	return versions[0]
}

// ByID looks up a version.
func ByID(id string) (Version, error) {
	for _, v := range versions {
		if v.ID == id {
			return v, nil
		}
	}
	return Version{}, fmt.Errorf("unknown app version %q", id)
}

// Resolve returns the version with id, or the active version when id is empty.
func Resolve(id string) (Version, error) {
	if id == "" {
		return Active(), nil
	}
	return ByID(id)
}
