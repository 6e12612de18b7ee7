// Package domain holds the error taxonomy shared by the scheduler, provider
// router, event stream and registry. Callers classify failures with errors.Is
// against the sentinels and errors.As against the typed errors.
package domain
