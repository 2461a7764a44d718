// Package version carries build metadata set with -ldflags, e.g.
//
//	go build -ldflags "-X github.com/scivi-tools/readingtracker/internal/version.Version=v1.2.0"
package version

import "fmt"

var (
	// Version is the release tag.
	Version = "dev"
	// GitSHA is the commit the binary was built from.
	GitSHA = "unknown"
	// BuildTime is the build timestamp.
	BuildTime = "unknown"
)

// Info is the build metadata in a JSON-friendly form.
type Info struct {
	Version   string `json:"version"`
	GitSHA    string `json:"git_sha"`
	BuildTime string `json:"build_time"`
}

// Get returns the current build metadata.
func Get() Info {
	return Info{Version: Version, GitSHA: GitSHA, BuildTime: BuildTime}
}

// String renders the metadata for -version output and startup logs.
func String() string {
	return fmt.Sprintf("readingtracker %s (commit %s, built %s)", Version, GitSHA, BuildTime)
}
