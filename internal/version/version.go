// Package version carries tally's build identity.
package version

import (
	"fmt"
	"runtime/debug"
)

var (
	// Version is the current tally release (overridden by ldflags at build time).
	Version = "0.3.0"
	// Build can be set via ldflags at compile time.
	Build = "dev"
	// Commit and Branch record the git revision the binary was built
	// from (optional ldflags; build info fills them in otherwise).
	Commit = ""
	Branch = ""
)

// ResolveCommit returns the commit hash, preferring the ldflag and
// falling back to the VCS stamp embedded by the Go toolchain.
func ResolveCommit() string {
	if Commit != "" {
		return Commit
	}
	if info, ok := debug.ReadBuildInfo(); ok {
		for _, setting := range info.Settings {
			if setting.Key == "vcs.revision" && setting.Value != "" {
				return setting.Value
			}
		}
	}
	return ""
}

// ResolveBranch returns the branch name, preferring the ldflag.
func ResolveBranch() string {
	if Branch != "" {
		return Branch
	}
	if info, ok := debug.ReadBuildInfo(); ok {
		for _, setting := range info.Settings {
			if setting.Key == "vcs.branch" && setting.Value != "" {
				return setting.Value
			}
		}
	}
	return ""
}

// ShortCommit trims a commit hash for display.
func ShortCommit(hash string) string {
	if len(hash) > 12 {
		return hash[:12]
	}
	return hash
}

// Full returns the complete version string including commit hash.
// Format: "0.3.0 (dev: main@280fbcf9a253)" or "0.3.0 (release)" or
// "0.3.0".
func Full() string {
	commit := ResolveCommit()
	branch := ResolveBranch()

	if commit != "" && branch != "" {
		return fmt.Sprintf("%s (%s: %s@%s)", Version, Build, branch, ShortCommit(commit))
	} else if commit != "" {
		return fmt.Sprintf("%s (%s: %s)", Version, Build, ShortCommit(commit))
	}
	return fmt.Sprintf("%s (%s)", Version, Build)
}
