package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"
)

var (
	// Name of the application
	AppName = "nuxeo-drive"

	// Version of the application
	Version = "0.1.0-dev"

	// Git commit hash of the application
	Revision = "HEAD"

	// Build date of the application
	BuildDate = ""
)

func init() {
	resolveFromBuildInfo()
}

// resolveFromBuildInfo populates Version/Revision/BuildDate from Go build
// metadata when ldflags didn't provide real values.
func resolveFromBuildInfo() {
	info, ok := debug.ReadBuildInfo()
	if !ok || info == nil {
		return
	}

	settings := map[string]string{}
	for _, s := range info.Settings {
		settings[s.Key] = s.Value
	}

	if Version == "0.1.0-dev" || Version == "" {
		if v := info.Main.Version; v != "" && v != "(devel)" {
			Version = strings.TrimPrefix(v, "v")
		}
	}

	if Revision == "HEAD" || Revision == "" {
		if r := settings["vcs.revision"]; r != "" {
			if settings["vcs.modified"] == "true" {
				r += "-dirty"
			}
			Revision = r
		}
	}

	if BuildDate == "" {
		if t := settings["vcs.time"]; t != "" {
			BuildDate = t
		}
	}
}

func shortRevision() string {
	if len(Revision) > 8 {
		return Revision[:8]
	}
	return Revision
}

// Detailed returns a multi-attribute version string for --version output.
func Detailed() string {
	return fmt.Sprintf("%s\nRevision: %s\nBuild Date: %s\nPlatform: %s/%s\nGo: %s",
		Version, Revision, BuildDate, runtime.GOOS, runtime.GOARCH, runtime.Version())
}

// Short returns "version (revision)".
func Short() string {
	return fmt.Sprintf("%s (%s)", Version, shortRevision())
}
