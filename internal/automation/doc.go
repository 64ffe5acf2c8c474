// Package automation runs drip campaigns: it polls due enrollments, executes
// the next step of each, and advances or completes the enrollment.
//
// Step delays are measured from the time the previous step was processed, so
// a scheduler backlog shifts every downstream step by the same lag.
package automation
