// Package version holds build metadata.
package version

import "strconv"

// Version is set at build time via -ldflags.
var Version = "1.3.1-dev"

// Schema is the persisted format generation. Bumping it moves every
// project onto a fresh store directory.
const Schema = 1

// Tool returns the tool version string mixed into store locations.
func Tool() string {
	return Version + "+s" + strconv.Itoa(Schema)
}
