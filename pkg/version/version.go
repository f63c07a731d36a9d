// Package version holds build metadata. Release builds set the variables
// with -ldflags "-X github.com/Sumatoshi-tech/stanlens/pkg/version.Version=...".
package version

import (
	"fmt"
	"runtime/debug"
)

const shortCommitLen = 12

var (
	// Version is the release version.
	Version = "dev"
	// Commit is the VCS revision the binary was built from.
	Commit = "none"
	// Date is the build time.
	Date = "unknown"
)

// InitBinaryVersion fills values not set by -ldflags from the embedded
// build info, so `go install` builds still report something useful.
func InitBinaryVersion() {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}

	apply(info)
}

func apply(info *debug.BuildInfo) {
	if Version == "dev" && info.Main.Version != "" && info.Main.Version != "(devel)" {
		Version = info.Main.Version
	}

	for _, setting := range info.Settings {
		switch setting.Key {
		case "vcs.revision":
			if Commit == "none" && setting.Value != "" {
				Commit = setting.Value[:min(len(setting.Value), shortCommitLen)]
			}
		case "vcs.time":
			if Date == "unknown" && setting.Value != "" {
				Date = setting.Value
			}
		}
	}
}

// String renders the one-line version banner.
func String() string {
	return fmt.Sprintf("stanlens %s (commit: %s, built: %s)", Version, Commit, Date)
}
