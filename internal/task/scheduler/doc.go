// Package scheduler fires jobs on cron schedules evaluated in one timezone.
//
// It only triggers: a job runs on its own goroutine with the context given
// to Start, and a trigger that arrives while the previous run of the same
// schedule is still in flight is skipped.
package scheduler
