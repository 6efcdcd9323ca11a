// Package buildinfo exposes the version stamped in at link time and the
// process start time.
//
//	go build -ldflags "-X github.com/nugget/todogate/internal/buildinfo.Version=v1.2.0"
package buildinfo

import (
	"fmt"
	"runtime"
	"time"
)

// Set via -ldflags -X.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

var started = time.Now()

// Build describes the running binary.
type Build struct {
	Version   string `json:"version"`
	GitCommit string `json:"git_commit"`
	BuildTime string `json:"build_time"`
	GoVersion string `json:"go_version"`
	OS        string `json:"os"`
	Arch      string `json:"arch"`
	Uptime    string `json:"uptime"`
}

// Current returns the build description of this process.
func Current() Build {
	return Build{
		Version:   Version,
		GitCommit: GitCommit,
		BuildTime: BuildTime,
		GoVersion: runtime.Version(),
		OS:        runtime.GOOS,
		Arch:      runtime.GOARCH,
		Uptime:    Uptime().String(),
	}
}

// Uptime is the whole-second duration since the process started.
func Uptime() time.Duration {
	return time.Since(started).Truncate(time.Second)
}

// UserAgent identifies the gateway to upstream providers.
func UserAgent() string {
	return "Todogate/" + Version
}

// String is the one-line banner logged at startup.
func String() string {
	return fmt.Sprintf("Todogate %s (%s) built %s %s/%s",
		Version, GitCommit, BuildTime, runtime.GOOS, runtime.GOARCH)
}
