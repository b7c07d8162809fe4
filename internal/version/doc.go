// Package version holds the build metadata reported by both binaries.
//
// Version, Commit and BuildTime are set with -ldflags -X at build time.
package version
