// Package internal holds helpers that are private to goICloud.
//
// # Sub-packages
//
//   - logattr: slog attribute constructors shared by every package
//   - stub: in-process identity and push provider used by tests and
//     cmd/icloud-stub
//
// # What this package must NOT do
//
//   - Export types that appear in the public goICloud API.
//   - Be imported by any package outside the goICloud module.
package internal
