// Package proxy connects the HTTP front door to the cache manager. Fetcher is
// the network collaborator that performs real upstream requests and
// materializes their bodies; Handler translates Fiber requests into
// worker.Request values, runs them through OnFetch and writes the result
// back; Forwarder gates traffic until the worker is activated.
package proxy
