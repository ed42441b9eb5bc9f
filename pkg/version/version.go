package version

import "runtime"

// Build holds the build identifier, injected via -ldflags. Default "dev".
var Build = "dev"

// UserAgent is sent by nodes and clients on outbound HTTP requests.
func UserAgent() string {
	return "kbnode/" + Build + " (" + runtime.GOOS + "/" + runtime.GOARCH + ")"
}
