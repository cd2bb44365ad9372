// Package version executes and returns the version string
// of the currently running process.
package version

import "fmt"

// The value of these vars are set through linker options.
var gitCommit = "Local build"
var buildDate = "Moments ago"

// Version returns the version string of this build.
func Version() string {
	return fmt.Sprintf("EdgeCoder/%s. Built at: %s", gitCommit, buildDate)
}
