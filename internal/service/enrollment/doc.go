// Package enrollment enrolls members into drip campaigns and cancels their
// enrollments.
//
// Enrollment is best effort: a campaign that is not accepting members or a
// member who is already enrolled yields a nil enrollment, not an error.
// Only a missing campaign and store failures are returned to the caller.
package enrollment
