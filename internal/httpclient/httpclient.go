// Package httpclient provides the process-wide shared HTTP client used by
// the Translation Pipeline's LLM calls, the STT Session Manager's token
// endpoint call, and the YouTube Oracle's lookup call.
package httpclient

import (
	"net"
	"net/http"
	"sync"
	"time"
)

var (
	once   sync.Once
	client *http.Client
)

// Shared returns the process-wide *http.Client, building it lazily with a
// bounded connection pool and the 5s connect timeout §5 mandates for LLM
// calls. Per-call total timeouts are applied by callers via
// context.WithTimeout, not baked into the client itself, so the token
// endpoint's 10s and the oracle's 10s can differ from the LLM's 10s while
// sharing one pool.
func Shared() *http.Client {
	once.Do(func() {
		transport := &http.Transport{
			DialContext: (&net.Dialer{
				Timeout: 5 * time.Second,
			}).DialContext,
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 20,
			IdleConnTimeout:     90 * time.Second,
		}
		client = &http.Client{Transport: transport}
	})
	return client
}

// Close releases idle connections at shutdown.
func Close() {
	if client != nil {
		client.CloseIdleConnections()
	}
}
