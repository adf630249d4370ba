package runner

import "strings"

// DefaultBenignStderr lists startup banners that embedded tool processes print
// on stderr during a normal run.
var DefaultBenignStderr = []string{
	"Perplexity MCP Server running on stdio",
	"Found credentials in shared credentials file",
}

// IsFatal reports whether a finished turn failed: a non-zero exit whose
// stderr contains none of the benign banners.
func IsFatal(exitCode int, stderr string, benign []string) bool {
	if exitCode == 0 {
		return false
	}
	for _, b := range benign {
		if b != "" && strings.Contains(stderr, b) {
			return false
		}
	}
	return true
}
