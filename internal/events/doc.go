// Package events provides the per-task event stream that feeds live observers.
//
// Every task owns an ordered feed of Records. Publishers never block: each
// subscriber has its own bounded queue, and when a subscriber falls behind the
// oldest queued records are collapsed into a single gap marker.
//
// The primary components are:
// - Record: one event with a per-task sequence number
// - Stream: owns all task feeds, assigns sequences and garbage-collects finished feeds
// - Subscription: one observer's cursor (replay of retained records, then live)
package events
