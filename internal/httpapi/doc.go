// Package httpapi exposes the market over HTTP.
//
// Holder identity is taken from the X-Holder-ID header, which an upstream
// session resolver sets after authenticating the caller. Domain errors map
// onto status codes:
//
//	validation          400
//	insufficient_funds  402
//	not_found           404
//	conflict            409 (retryable)
//	invariant_violation 500 (details logged, never returned)
package httpapi
