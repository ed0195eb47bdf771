// Package scheduler persists delayed one-shot tasks in the shared store and
// fires them via a poll loop over a time-ordered due index. Handles support
// idempotent cancellation, which is what debounce patterns build on: schedule
// a flush, and on each further trigger cancel the previous handle and
// schedule a fresh one.
package scheduler
