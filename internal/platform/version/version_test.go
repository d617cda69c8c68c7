package version

import (
	"runtime"
	"runtime/debug"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGet(t *testing.T) {
	info := Get()

	assert.Equal(t, Name, info.Name)
	assert.NotEmpty(t, info.Version)
	assert.NotEmpty(t, info.Commit)
	assert.Equal(t, runtime.Version(), info.GoVersion)
	assert.Equal(t, WireFormat, info.WireFormat)
}

func TestWithBuildInfo_FillsDefaults(t *testing.T) {
	bi := &debug.BuildInfo{
		Main: debug.Module{Version: "v0.3.1"},
		Settings: []debug.BuildSetting{
			{Key: "vcs.revision", Value: "0123456789abcdef0123"},
			{Key: "vcs.time", Value: "2026-10-01T12:00:00Z"},
		},
	}

	info := withBuildInfo(Info{Version: "dev", Commit: "unknown", BuildTime: "unknown"}, bi)

	assert.Equal(t, "v0.3.1", info.Version)
	assert.Equal(t, "0123456789ab", info.Commit)
	assert.Equal(t, "2026-10-01T12:00:00Z", info.BuildTime)
}

func TestWithBuildInfo_LdflagsWin(t *testing.T) {
	bi := &debug.BuildInfo{
		Main:     debug.Module{Version: "(devel)"},
		Settings: []debug.BuildSetting{{Key: "vcs.revision", Value: "ffff"}},
	}
	stamped := Info{Version: "v1.4.0", Commit: "abc1234", BuildTime: "2026-10-16T08:00:00Z"}

	assert.Equal(t, stamped, withBuildInfo(stamped, bi))
	assert.Equal(t, "dev", withBuildInfo(Info{Version: "dev"}, bi).Version)
}

func TestInfo_String(t *testing.T) {
	s := Info{Name: "meshsend", Version: "v1.2.3", Commit: "abc123", BuildTime: "2026-01-01T00:00:00Z", GoVersion: "go1.25.6", WireFormat: WireFormat}.String()

	assert.Equal(t, "meshsend v1.2.3 (commit abc123, built 2026-01-01T00:00:00Z, go1.25.6, wire u32be-length+zlib)", s)
}
