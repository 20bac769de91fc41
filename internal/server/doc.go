// Package server hosts the Fiber HTTP service and the request middleware chain
// that resolves every request against the configured worker scope before it is
// handed to the proxy handler. Diagnostics live under /-/ and are registered by
// the routes subpackage; keep exports narrow and accept explicit dependencies.
package server
