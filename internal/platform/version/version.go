// Package version reports which meshrelay build is running.
//
// Release builds stamp it with:
//
//	go build -ldflags "-X github.com/pscheid92/meshrelay/internal/platform/version.Version=v1.4.0 \
//	  -X github.com/pscheid92/meshrelay/internal/platform/version.Commit=$(git rev-parse --short HEAD) \
//	  -X github.com/pscheid92/meshrelay/internal/platform/version.BuildTime=$(date -u +%FT%TZ)"
//
// Without ldflags the module version and VCS stamp recorded by the Go
// toolchain are used where available.
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
)

// Name is reported by the relay binary.
const Name = "meshrelay"

// WireFormat names the ingest framing so producers can check compatibility.
const WireFormat = "u32be-length+zlib"

// Stamped by ldflags.
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// Info is served on /version and printed by --version.
type Info struct {
	Name       string `json:"name"`
	Version    string `json:"version"`
	Commit     string `json:"commit"`
	BuildTime  string `json:"build_time"`
	GoVersion  string `json:"go_version"`
	WireFormat string `json:"wire_format"`
}

// Get returns the running build's information.
func Get() Info {
	info := Info{
		Name:       Name,
		Version:    Version,
		Commit:     Commit,
		BuildTime:  BuildTime,
		GoVersion:  runtime.Version(),
		WireFormat: WireFormat,
	}
	if bi, ok := debug.ReadBuildInfo(); ok {
		info = withBuildInfo(info, bi)
	}
	return info
}

// withBuildInfo fills fields ldflags left at their defaults.
func withBuildInfo(info Info, bi *debug.BuildInfo) Info {
	if info.Version == "dev" && bi.Main.Version != "" && bi.Main.Version != "(devel)" {
		info.Version = bi.Main.Version
	}
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			if info.Commit == "unknown" && s.Value != "" {
				info.Commit = s.Value[:min(12, len(s.Value))]
			}
		case "vcs.time":
			if info.BuildTime == "unknown" && s.Value != "" {
				info.BuildTime = s.Value
			}
		}
	}
	return info
}

func (i Info) String() string {
	return fmt.Sprintf("%s %s (commit %s, built %s, %s, wire %s)",
		i.Name, i.Version, i.Commit, i.BuildTime, i.GoVersion, i.WireFormat)
}
