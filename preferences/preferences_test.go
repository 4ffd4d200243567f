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

package preferences_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/gophervisor/gophervisor/curated"
	"github.com/gophervisor/gophervisor/preferences"
	"github.com/gophervisor/gophervisor/test"
)

func TestDefaults(t *testing.T) {
	p := preferences.NewPreferences()
	test.Equate(t, p.HotThreshold, 16)
	test.Equate(t, p.CacheMaxBlocks, 1024)
	test.Equate(t, p.CacheMaxBytes, 1<<20)
	test.Equate(t, p.SliceBlocks, 256)
	test.Equate(t, p.MaxBlockInstructions, 64)
}

func TestLoadMissingFileMeansDefaults(t *testing.T) {
	p, err := preferences.Load(filepath.Join(t.TempDir(), "no-such-file.toml"))
	test.ExpectedSuccess(t, err)
	test.Equate(t, p.HotThreshold, 16)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prefs.toml")

	p := preferences.NewPreferences()
	p.HotThreshold = 4
	p.SliceBlocks = 32
	test.ExpectedSuccess(t, preferences.Save(path, p))

	q, err := preferences.Load(path)
	test.ExpectedSuccess(t, err)
	test.Equate(t, q.HotThreshold, 4)
	test.Equate(t, q.SliceBlocks, 32)

	// untouched keys keep the defaults
	test.Equate(t, q.CacheMaxBlocks, 1024)
}

func TestLoadKeepsDefaultForOmittedKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prefs.toml")
	err := os.WriteFile(path, []byte("hot_threshold = 2\n"), 0o644)
	test.ExpectedSuccess(t, err)

	p, err := preferences.Load(path)
	test.ExpectedSuccess(t, err)
	test.Equate(t, p.HotThreshold, 2)
	test.Equate(t, p.MaxBlockInstructions, 64)
}

func TestLoadBadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prefs.toml")
	err := os.WriteFile(path, []byte("hot_threshold = [broken\n"), 0o644)
	test.ExpectedSuccess(t, err)

	_, err = preferences.Load(path)
	test.ExpectedFailure(t, err)
	test.ExpectedSuccess(t, curated.Is(err, preferences.BadPrefsFile))
}
