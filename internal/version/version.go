package version

// Set via -ldflags at release build time; the zero values identify a
// local development build.
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)
