package version

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInfo_String(t *testing.T) {
	info := Info{Version: "v1.4.0", CommitHash: "0123456789abcdef", BuildTime: "2024-04-01T12:00:00Z"}
	assert.Equal(t, "broker v1.4.0 (commit 0123456, built 2024-04-01T12:00:00Z)", info.String())

	info.Version = "dev"
	info.Modified = true
	assert.Nil(t, info.Release())
	assert.Equal(t, "broker dev (commit 0123456+dirty, built 2024-04-01T12:00:00Z)", info.String())
}

func TestGet(t *testing.T) {
	info := Get()
	assert.NotEmpty(t, info.CommitHash)
	assert.NotEmpty(t, info.BuildTime)
	assert.NotEmpty(t, info.GoVersion)
	assert.Equal(t, "dev", info.Version)
}

func TestShort(t *testing.T) {
	assert.Equal(t, "abc", Info{CommitHash: "abc"}.Short())
}
