// Package server exposes the promotion control plane over HTTP.
//
// This package provides:
//   - Pipeline triggers for workflows and credential sets
//   - Jenkins build status polling with history sync, and approval actions
//   - Workflow, credential, history and dashboard queries
//   - Per-IP rate limiting and structured request logging
//
// Pipeline routes block until the run ends or pauses at an approval gate.
// Pipeline failures answer 500 with the step list, a pipeline already
// running for the same entity answers 409, and unexpected errors answer 500
// with an opaque message.
package server
