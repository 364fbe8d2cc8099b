// Package tools provides local command execution for the harness.
//
// Ownership boundary:
// - bounded command execution (every invocation carries a timeout)
// - process-group cleanup on timeout
package tools
