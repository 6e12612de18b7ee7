// Package task admits, schedules and runs forensic tasks.
//
// Each category has its own concurrency ceiling and pending backlog. Pending
// tasks wait in a priority queue and are started as slots free up; a running
// task is never preempted. Failed attempts are retried with exponential
// backoff through an explicit retrying state, and every state change is
// mirrored into the process registry so work survives a restart. Running
// external tools are cancelled by signalling their process group.
package task
