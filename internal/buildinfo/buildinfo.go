// Copyright 2026 The cloudrecovery Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package buildinfo carries version metadata set with -ldflags at release time.
package buildinfo

import "fmt"

var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

// String formats the build metadata for the startup banner and -version.
func String() string {
	return fmt.Sprintf("cloudrecovery %s (commit %s, built %s)", Version, Commit, BuildDate)
}
