// Package server hosts the CloudLocker gateway behind a single HTTP listener.
//
// A chi router carries the account and billing API under /api, relays the
// file storage routes under the proxy prefix, and serves the embedded tester
// UI. Every request passes through the same middleware chain: request ID,
// logging, audit, metrics, security headers, CORS, rate limiting, and
// authentication.
package server
