// This file is part of Gophervisor.
//
// Gophervisor is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// Gophervisor is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with Gophervisor.  If not, see <https://www.gnu.org/licenses/>.

// Package preferences holds the on-disk tunables of the tiered runtime.
// Values load from a TOML file; a missing file means the defaults.
package preferences

import (
	"os"

	"github.com/BurntSushi/toml"

	"github.com/gophervisor/gophervisor/curated"
)

// sentinel error returned by Load.
const BadPrefsFile = "preferences: %v"

// Preferences are the tunables of the tiered runtime.
type Preferences struct {
	// interpreted executions of an entry address before a compile request
	// is queued. zero or negative disables Tier-1 promotion entirely
	HotThreshold int `toml:"hot_threshold"`

	// block cache budgets. zero disables the corresponding bound
	CacheMaxBlocks int `toml:"cache_max_blocks"`
	CacheMaxBytes  int `toml:"cache_max_bytes"`

	// dispatch units per cooperative slice
	SliceBlocks int `toml:"slice_blocks"`

	// instruction window bound of a compiled block
	MaxBlockInstructions int `toml:"max_block_instructions"`
}

// NewPreferences is the preferred method of initialisation for the
// Preferences type. It returns the hard-coded defaults.
func NewPreferences() *Preferences {
	return &Preferences{
		HotThreshold:         16,
		CacheMaxBlocks:       1024,
		CacheMaxBytes:        1 << 20,
		SliceBlocks:          256,
		MaxBlockInstructions: 64,
	}
}

// Load reads preferences from a TOML file, keeping the default for any key
// the file omits. A missing file is not an error; an unreadable or
// unparseable one is.
func Load(path string) (*Preferences, error) {
	p := NewPreferences()
	if path == "" {
		return p, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return p, nil
		}
		return nil, curated.Errorf(BadPrefsFile, err)
	}

	if err := toml.Unmarshal(data, p); err != nil {
		return nil, curated.Errorf(BadPrefsFile, err)
	}
	return p, nil
}

// Save writes the preferences as TOML.
func Save(path string, p *Preferences) error {
	f, err := os.Create(path)
	if err != nil {
		return curated.Errorf(BadPrefsFile, err)
	}
	defer f.Close()

	if err := toml.NewEncoder(f).Encode(p); err != nil {
		return curated.Errorf(BadPrefsFile, err)
	}
	return nil
}
