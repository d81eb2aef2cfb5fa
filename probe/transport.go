package probe

import (
	"net"
	"net/http"
	"sync"
	"time"
)

// probeTransport is shared by every probe so repeated tests of one endpoint
// reuse idle connections. Attempt deadlines come from the client timeout and
// the caller's context, never from the transport.
var probeTransport = sync.OnceValue(func() *http.Transport {
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          64,
		MaxIdleConnsPerHost:   4,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
})

// pooledClient returns a client on the shared transport. fallback applies
// when timeout is not positive.
func pooledClient(timeout, fallback time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = fallback
	}
	return &http.Client{Timeout: timeout, Transport: probeTransport()}
}
