// Package version carries the service version and build information.
package version

import (
	"runtime/debug"
)

// Version is the service release version. Overridable at build time with
// -ldflags "-X evermem.org/version.Version=v1.2.3".
var Version = "v0.1.0"

// BuildInfo contains build-time information
type BuildInfo struct {
	Version    string `json:"version"`
	GoVersion  string `json:"goVersion"`
	MainModule string `json:"mainModule"`
	Revision   string `json:"revision,omitempty"`
}

// GetBuildInfo extracts build information from the current binary
func GetBuildInfo() *BuildInfo {
	out := &BuildInfo{
		Version:    Version,
		GoVersion:  "unknown",
		MainModule: "unknown",
	}

	info, ok := debug.ReadBuildInfo()
	if !ok {
		return out
	}
	out.GoVersion = info.GoVersion
	out.MainModule = info.Path
	for _, setting := range info.Settings {
		if setting.Key == "vcs.revision" {
			out.Revision = setting.Value
		}
	}
	return out
}
