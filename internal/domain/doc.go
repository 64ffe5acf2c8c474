// Package domain defines the core business types for the drip-campaign engine.
//
// Types in this package are value records with no database dependencies and
// no HTTP concerns. State changes are expressed as pure transition functions
// that take a value and return the next value; callers persist the result
// explicitly.
//
// Rules for this package:
//   - No imports from other internal/ packages
//   - No *sql.DB, no http.Request, no context.Context in struct fields
//   - JSON/DB tags are allowed (they're metadata, not behavior)
//   - Transition functions never mutate their arguments
//   - Constants and enums belong here
package domain
