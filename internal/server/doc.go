// Package server hosts the Fiber HTTP service that fronts the offline cache:
// it builds the app, attaches recover and request-id middlewares, keeps the
// /-/ diagnostics namespace out of the proxy path, and owns the shared
// upstream http.Client used by the network fetcher. Keep exports narrow and
// accept explicit dependencies so main and tests can inject fakes.
package server
