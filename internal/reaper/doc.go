// Package reaper implements the Expiry Reaper component.
//
// The Expiry Reaper:
//   - Sweeps pending primary purchases whose expires_at has passed
//   - Moves each one pending → expired with a compare-and-swap on status,
//     so a purchase confirmed concurrently is left alone
//   - Appends a purchase.expired audit record in the same transaction
//   - Never unlocks funds: pending purchases hold no reservation
//
// It runs on an interval in-process, or once per invocation of cmd/reaper
// for an external scheduler.
package reaper
