// Package storage persists channels, messages and delivery outcomes in
// SQLite.
//
// The claim transition (pending -> sending) is implemented as a single
// conditional UPDATE; it is the only concurrency-control point shared by
// the immediate-send path and the scheduler.
package storage
