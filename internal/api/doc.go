// Package api is a Go client for the token market HTTP API.
//
// Reads (GET) retry with jittered exponential backoff on 429 and 5xx.
// Writes are sent once: a retried order placement could rest twice.
package api
