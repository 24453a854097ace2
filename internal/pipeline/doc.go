// Package pipeline turns freshly built deployment bundles into compiled
// bundles.
//
// For each target bundle the Orchestrator walks a small state machine:
//
//	IDLE -> VALIDATING -> EXTRACTING -> COMPILING -> ARCHIVING -> CLEANING -> DONE
//
// Any non-terminal state may move to FAILED. Targets are independent: they
// run concurrently, each in its own extraction directory, and a failed target
// never rolls back one that already finished.
package pipeline
