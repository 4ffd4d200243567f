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

// Package resources contains functions to prepare paths for gophervisor
// resources, such as the preferences file.
//
// JoinPath() returns the path to the specified resource rooted in the
// user's configuration directory. On modern Linux systems the full path
// would be something like:
//
//	/home/user/.config/gophervisor/
//
// A local ".gophervisor" directory in the current working directory takes
// precedence when it exists, which is more convenient during development.
package resources

import (
	"os"
	"path/filepath"
)

// name of the local development directory and of the subdirectory of the
// user's configuration directory.
const localBase = ".gophervisor"
const configBase = "gophervisor"

// JoinPath prepends the supplied path with an OS specific base path and
// creates all folders necessary to reach the end of the sub-path. It does
// not otherwise touch or create the file.
func JoinPath(path ...string) (string, error) {
	var b string

	if _, err := os.Stat(localBase); err == nil {
		b = localBase
	} else {
		cfg, err := os.UserConfigDir()
		if err != nil {
			return "", err
		}
		b = filepath.Join(cfg, configBase)
	}

	p := filepath.Join(b, filepath.Join(path...))
	if err := os.MkdirAll(filepath.Dir(p), 0700); err != nil {
		return "", err
	}
	return p, nil
}
