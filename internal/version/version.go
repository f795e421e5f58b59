// Package version holds build identity injected at link time via -ldflags.
package version

// Version and Commit are overridden at build time:
//
//	go build -ldflags "-X github.com/dsentr/dsentr/internal/version.Version=1.2.3 -X .../version.Commit=$(git rev-parse HEAD)"
var (
	Version = "dev"
	Commit  = "unknown"
)
