// Package store holds the persistence plumbing shared by the registry
// backends: the DBTX abstraction, transaction helpers and storage errors.
package store
