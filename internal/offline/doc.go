// Package offline implements the offline-caching agent: a Manager exposing
// install, activate and fetch handlers over an injected cache.Storage and a
// Fetcher, plus a Runtime that drives those handlers through the
// installing → installed → activating → activated lifecycle and tracks which
// clients the active version controls.
//
// Navigations are served network-first with the offline page as fallback;
// every other request is served cache-first, and only successful same-origin
// GET responses are written back into the current cache.
package offline
