package registry

import (
	"net/http"
	"sync"
)

type roundTripper struct {
	headers map[string]string
	mu      sync.Mutex
	next    http.RoundTripper
}

func newRoundTripper() *roundTripper {
	return &roundTripper{
		next: http.DefaultTransport,
	}
}

func (rt *roundTripper) addHeader(key, value string) {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	if rt.headers == nil {
		rt.headers = make(map[string]string)
	}

	rt.headers[key] = value
}

func (rt *roundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	rt.mu.Lock()
	for key, value := range rt.headers {
		req.Header.Set(key, value)
	}
	rt.mu.Unlock()

	return rt.next.RoundTrip(req)
}
