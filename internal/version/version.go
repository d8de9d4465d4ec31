// Package version provides version and build information for the
// --version and --buildinfo startup flags.
package version

import (
	"fmt"
	"io"
	"runtime"
)

const (
	// Version is the current debugger version.
	Version = "3.1.0"

	// product is the banner printed in front of all version output.
	product = ".NET Core debugger"
)

// Build metadata, overridden at link time with
// -ldflags "-X .../internal/version.BuildDate=... -X .../internal/version.Commit=...".
var (
	BuildDate = "unknown"
	Commit    = "unknown"
)

// PrintVersion writes the short version banner.
func PrintVersion(w io.Writer) {
	fmt.Fprintf(w, "%s %s\n", product, Version)
	fmt.Fprintf(w, "\nDistributed under the MIT License.\n")
	fmt.Fprintf(w, "See the LICENSE file in the project root for more information.\n")
}

// PrintBuildInfo writes the extended build report.
func PrintBuildInfo(w io.Writer) {
	fmt.Fprintf(w, "%s\n", product)
	fmt.Fprintf(w, "\n    Build info:\n")
	fmt.Fprintf(w, "      Version:     %s\n", Version)
	fmt.Fprintf(w, "      Build date:  %s\n", BuildDate)
	fmt.Fprintf(w, "      Commit:      %s\n", Commit)
	fmt.Fprintf(w, "      Target OS:   %s\n", runtime.GOOS)
	fmt.Fprintf(w, "      Target arch: %s\n", runtime.GOARCH)
}
