// Copyright 2024 FleetBeacon LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package version carries build metadata stamped in via -ldflags.
package version

import "fmt"

var (
	// Version is the semantic version of this build, e.g. "2.1.0".
	Version = "latest"
	// BuildDistro identifies the packaging channel, e.g. "docker" or "deb".
	BuildDistro = "build_distro"
)

func String() string {
	return fmt.Sprintf("fuelcore/%s (%s)", Version, BuildDistro)
}
