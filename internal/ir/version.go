package ir

// Version constants for record shapes and the ledger core.
const (
	// TrajectorySchemaVersion is the version of the step and outcome record shapes.
	TrajectorySchemaVersion = 1

	// CoreVersion is the ledger core version reported by the CLI.
	CoreVersion = "0.1.0"
)
