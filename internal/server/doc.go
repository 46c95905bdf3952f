// Package server hosts the Fiber HTTP service that fronts the web application
// origin: request-id middleware, panic recovery, the shared upstream
// http.Client and the header hygiene helpers used by the proxy handler.
// Diagnostics live under the /-/ prefix and are registered by the routes
// subpackage after NewApp returns.
package server
