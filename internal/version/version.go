// Package version formats build metadata for CLI output.
package version

import (
	"runtime/debug"
	"strings"
)

// String renders a one-line version for -version output. Values injected via
// -ldflags win; otherwise module build info fills the gaps.
func String(version, commit, date string) string {
	v := strings.TrimSpace(version)
	c := strings.TrimSpace(commit)
	d := strings.TrimSpace(date)

	if info, ok := debug.ReadBuildInfo(); ok {
		if unset(v, "dev", "(devel)") {
			if mv := strings.TrimSpace(info.Main.Version); mv != "" && mv != "(devel)" {
				v = mv
			}
		}
		if unset(c, "unknown") {
			c = setting(info, "vcs.revision")
		}
		if unset(d, "unknown") {
			d = setting(info, "vcs.time")
		}
	}

	out := v
	if out == "" {
		out = "dev"
	}
	if c != "" && c != "unknown" {
		out += " (" + c + ")"
	}
	if d != "" && d != "unknown" {
		out += " " + d
	}
	return out
}

func unset(v string, placeholders ...string) bool {
	if v == "" {
		return true
	}
	for _, p := range placeholders {
		if v == p {
			return true
		}
	}
	return false
}

func setting(info *debug.BuildInfo, key string) string {
	for _, s := range info.Settings {
		if s.Key == key {
			return s.Value
		}
	}
	return ""
}
