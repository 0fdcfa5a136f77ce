package main

import (
	"net/http"
	"time"
)

// newHTTPServer applies conservative timeouts to the relay's HTTP listener.
// The /ws/* handlers hijack their connections during the upgrade, so these
// limits govern the auth and device endpoints plus the handshake phase; live
// websocket traffic is not subject to them.
func newHTTPServer(handler http.Handler) *http.Server {
	return &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    32 << 10,
	}
}
