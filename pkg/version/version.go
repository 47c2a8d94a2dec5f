/*
 * Copyright 2025 Carver Automation Corporation.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package version reports the sweepcore build stamped in at link time:
//
//	go build -ldflags "-X github.com/carverauto/sweepcore/pkg/version.version=v1.2.0 \
//	    -X github.com/carverauto/sweepcore/pkg/version.buildID=$(git rev-parse --short HEAD)"
package version

import "runtime"

//nolint:gochecknoglobals // set through -ldflags
var (
	version = "dev"
	buildID = "dev"
)

// GetVersion returns the release version.
func GetVersion() string {
	return version
}

// GetBuildID returns the commit the binary was built from.
func GetBuildID() string {
	return buildID
}

// GetFullVersion is the one-line banner printed by -version.
func GetFullVersion() string {
	return "sweepcore " + version + " (build: " + buildID + ", " + runtime.Version() + " " +
		runtime.GOOS + "/" + runtime.GOARCH + ")"
}
