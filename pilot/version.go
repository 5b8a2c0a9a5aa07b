package pilot

// Version information for the engine
const (
	// Version is the current engine version
	Version = "development"

	// APIVersion is the current workflow schema version
	APIVersion = "v4"

	// BuildDate is set during build time
	BuildDate = "development"

	// GitCommit is set during build time
	GitCommit = "unknown"
)
