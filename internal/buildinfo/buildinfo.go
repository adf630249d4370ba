// Package buildinfo holds version metadata injected at link time:
//
//	go build -ldflags "-X github.com/modoterra/agentrelay/internal/buildinfo.Version=v0.3.0"
package buildinfo

var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)
