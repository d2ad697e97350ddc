// Package failure defines the error taxonomy shared by every pipeline stage.
// Each error carries a Kind that decides whether the orchestrator retries,
// plus the stage and provider details needed for diagnostics.
package failure
