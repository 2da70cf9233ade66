// Package httpclient builds outbound HTTP clients, optionally routed
// through a SOCKS5 or HTTP/HTTPS proxy.
package httpclient

import (
	"fmt"
	"net/http"
	"net/url"

	"golang.org/x/net/proxy"
)

// New creates an HTTP client for downstream calls. No timeout is set on
// the client itself: per-call deadlines are owned by the circuit breaker.
func New(proxyURL string) (*http.Client, error) {
	if proxyURL == "" {
		return &http.Client{}, nil
	}

	parsedProxy, err := url.Parse(proxyURL)
	if err != nil {
		return nil, fmt.Errorf("invalid proxy URL: %w", err)
	}

	switch parsedProxy.Scheme {
	case "socks5":
		return newSOCKS5Client(parsedProxy)
	case "http", "https":
		return &http.Client{
			Transport: &http.Transport{
				Proxy: http.ProxyURL(parsedProxy),
			},
		}, nil
	default:
		return nil, fmt.Errorf("unsupported proxy scheme: %s", parsedProxy.Scheme)
	}
}

// newSOCKS5Client builds a client dialing through a SOCKS5 proxy.
func newSOCKS5Client(proxyURL *url.URL) (*http.Client, error) {
	var auth *proxy.Auth
	if proxyURL.User != nil {
		password, _ := proxyURL.User.Password()
		auth = &proxy.Auth{
			User:     proxyURL.User.Username(),
			Password: password,
		}
	}

	dialer, err := proxy.SOCKS5("tcp", proxyURL.Host, auth, proxy.Direct)
	if err != nil {
		return nil, fmt.Errorf("failed to create SOCKS5 dialer: %w", err)
	}

	return &http.Client{
		Transport: &http.Transport{
			Dial: dialer.Dial,
		},
	}, nil
}
