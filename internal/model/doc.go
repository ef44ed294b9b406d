// Package model defines shared data types used across the token market.
//
// Conventions:
//   - Amounts: int64 satoshis or whole token units, never floating point
//   - Timestamps: int64 microseconds since Unix epoch
//   - IDs: uuid strings for orders, fills, purchases and events; tokens use caller-chosen ids
//   - Assets: AssetSats ("sats") or a token id
package model
