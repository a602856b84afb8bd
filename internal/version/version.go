// Package version derives the binary's version from build metadata.
package version

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"strconv"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// devVersion is the version reported by development builds. Release builds
// override it via -ldflags.
var devVersion = "0.0.0-dev"

type Info struct {
	Major      string `json:"major"`
	Minor      string `json:"minor"`
	Patch      string `json:"patch"`
	PreRelease string `json:"prerelease,omitempty"`
	Meta       string `json:"meta,omitempty"`
	GitVersion string `json:"gitVersion"`
	GitCommit  string `json:"gitCommit,omitempty"`
	BuildDate  string `json:"buildDate,omitempty"`
	GoVersion  string `json:"goVersion"`
	Compiler   string `json:"compiler"`
	Platform   string `json:"platform"`
}

// Get returns the version the binary was built from: the main module version
// when built from a tagged module, devVersion otherwise, plus VCS metadata
// when the build embedded it.
func Get() (Info, error) {
	raw := devVersion
	goVersion := runtime.Version()
	var commit, date string
	if bi, ok := debug.ReadBuildInfo(); ok {
		goVersion = bi.GoVersion
		if v := bi.Main.Version; v != "" && v != "(devel)" {
			raw = v
		}
		for _, setting := range bi.Settings {
			switch setting.Key {
			case "vcs.revision":
				commit = setting.Value
			case "vcs.time":
				date = setting.Value
			}
		}
	}

	v, err := semver.NewVersion(raw)
	if err != nil {
		return Info{}, fmt.Errorf("could not parse version %q: %w", raw, err)
	}
	return Info{
		Major:      strconv.FormatUint(v.Major(), 10),
		Minor:      strconv.FormatUint(v.Minor(), 10),
		Patch:      strconv.FormatUint(v.Patch(), 10),
		PreRelease: v.Prerelease(),
		Meta:       strings.TrimPrefix(v.Metadata(), "+"),
		GitVersion: v.Original(),
		GitCommit:  commit,
		BuildDate:  date,
		GoVersion:  goVersion,
		Compiler:   runtime.Compiler,
		Platform:   fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH),
	}, nil
}
