package version

import "runtime/debug"

// AppName is the canonical service name used in logs, metrics, and
// profiling labels.
const AppName = "bucketserve"

// Set via ldflags at release build time; dev builds fall back to
// debug.ReadBuildInfo.
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate string
)

type Info struct {
	Version    string `json:"version"`
	Commit     string `json:"commit"`
	CommitDate string `json:"commit_date"`
	BuildId    string `json:"build_id"`
	BuildDate  string `json:"build_date"`
	GoVersion  string `json:"go_version"`
	VCSDirty   *bool  `json:"vcs_dirty,omitempty"`
}

func Get() Info {
	out := Info{
		Version:   Version,
		Commit:    Commit,
		BuildDate: BuildDate,
	}

	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return out
	}
	out.GoVersion = bi.GoVersion
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			if out.Commit == "none" && s.Value != "" {
				out.Commit = s.Value
			}
		case "vcs.time":
			if out.BuildDate == "" {
				out.BuildDate = s.Value
			}
		case "vcs.modified":
			switch s.Value {
			case "true":
				v := true
				out.VCSDirty = &v
			case "false":
				v := false
				out.VCSDirty = &v
			}
		}
	}
	return out
}
