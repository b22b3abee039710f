// Package httpclient provides the outbound HTTP client shared by every
// upstream call the broker makes (token exchange, refresh).
// RecyclingClient periodically rebuilds the connection pool so long-lived
// processes re-resolve provider DNS instead of pinning a stale connection
// for the process lifetime.
package httpclient

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"time"
)

func extractCAs(input []string) [][]byte {
	result := make([][]byte, 0, len(input))
	for _, ca := range input {
		if ca == "" {
			continue
		}

		pemData, err := os.ReadFile(ca)
		if err != nil {
			pemData, err = base64.StdEncoding.DecodeString(ca)
			if err != nil {
				pemData = []byte(ca)
			}
		}

		result = append(result, pemData)
	}
	return result
}

func NewHTTPClient(rootCAs []string, insecureSkipVerify bool) (*http.Client, error) {
	pool, err := x509.SystemCertPool()
	if err != nil {
		return nil, err
	}

	tlsConfig := tls.Config{RootCAs: pool, InsecureSkipVerify: insecureSkipVerify}
	for index, rootCABytes := range extractCAs(rootCAs) {
		if !tlsConfig.RootCAs.AppendCertsFromPEM(rootCABytes) {
			return nil, fmt.Errorf("rootCAs.%d is not in PEM format, certificate must be "+
				"a PEM encoded string, a base64 encoded bytes that contain PEM encoded string, "+
				"or a path to a PEM encoded certificate", index)
		}
	}

	return &http.Client{
		Transport: &http.Transport{
			TLSClientConfig: &tlsConfig,
			Proxy:           http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   30 * time.Second,
				KeepAlive: 30 * time.Second,
				DualStack: true,
			}).DialContext,
			MaxIdleConns:          100,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		},
	}, nil
}

// RecycleInterval is how often RecyclingClient closes its idle connections
// and lets the next outbound call establish a fresh one, forcing a new DNS
// resolution.
const RecycleInterval = 15 * time.Minute

// RecyclingClient wraps a shared *http.Client and periodically calls
// CloseIdleConnections on its Transport. It is the one long-lived HTTP
// client every handler and the refresh subsystem use for outbound calls;
// sharing it (rather than allocating one per request) is what lets the
// Go runtime actually pool connections in the first place.
type RecyclingClient struct {
	mu     sync.RWMutex
	client *http.Client
	stop   chan struct{}
}

// NewRecyclingClient starts a background goroutine that closes idle
// connections every interval (RecycleInterval if interval <= 0). Callers
// should Close the returned client on shutdown to stop that goroutine.
func NewRecyclingClient(client *http.Client, interval time.Duration) *RecyclingClient {
	if interval <= 0 {
		interval = RecycleInterval
	}
	rc := &RecyclingClient{client: client, stop: make(chan struct{})}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				rc.mu.RLock()
				rc.client.CloseIdleConnections()
				rc.mu.RUnlock()
			case <-rc.stop:
				return
			}
		}
	}()

	return rc
}

// Client returns the wrapped *http.Client for use in outbound requests.
func (rc *RecyclingClient) Client() *http.Client {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	return rc.client
}

// Close stops the background recycle goroutine. It does not close
// in-flight connections; CloseIdleConnections already happens on its own
// schedule.
func (rc *RecyclingClient) Close() {
	close(rc.stop)
}
