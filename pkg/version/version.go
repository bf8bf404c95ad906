// Package version holds build metadata, set with -ldflags at release time:
//
//	-X github.com/jingkaihe/ivibench/pkg/version.Version=v0.3.0
package version

var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)
