// Package writer persists the audit trail.
//
// The AuditWriter drains the router's audit buffer and appends events to
// storage in batches. Storage skips event ids it already holds, so a batch
// replayed after a failed flush never duplicates rows.
package writer
