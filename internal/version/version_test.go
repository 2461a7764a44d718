package version

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestString(t *testing.T) {
	defer func(v, sha, bt string) { Version, GitSHA, BuildTime = v, sha, bt }(Version, GitSHA, BuildTime)

	assert.Equal(t, "readingtracker dev (commit unknown, built unknown)", String())

	Version, GitSHA, BuildTime = "v0.3.0", "abc123", "2026-01-02T03:04:05Z"
	assert.Equal(t, "readingtracker v0.3.0 (commit abc123, built 2026-01-02T03:04:05Z)", String())
	assert.Equal(t, Info{Version: "v0.3.0", GitSHA: "abc123", BuildTime: "2026-01-02T03:04:05Z"}, Get())
}
