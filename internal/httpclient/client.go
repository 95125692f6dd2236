// Package httpclient builds the HTTP clients used for release metadata and
// artifact downloads, with optional HTTP(S) or SOCKS5 proxying.
package httpclient

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/MacJediWizard/serialkeeper/internal/config"
	"golang.org/x/net/proxy"
)

// DefaultTimeout is used when Options.Timeout is zero.
const DefaultTimeout = 30 * time.Second

// DefaultUserAgent identifies update traffic.
const DefaultUserAgent = "serialkeeper-updater"

// Options configures the HTTP client.
type Options struct {
	// Timeout for the whole request including body read.
	Timeout time.Duration
	// Proxy settings; nil means direct connections.
	Proxy *config.ProxyConfig
	// UserAgent overrides DefaultUserAgent.
	UserAgent string
}

// New creates an HTTP client with optional proxy support.
func New(opts Options) (*http.Client, error) {
	if opts.Timeout == 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.UserAgent == "" {
		opts.UserAgent = DefaultUserAgent
	}

	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   opts.Timeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	if opts.Proxy != nil && opts.Proxy.HasProxy() {
		if err := applyProxy(transport, opts.Proxy); err != nil {
			return nil, fmt.Errorf("configure proxy: %w", err)
		}
	}

	return &http.Client{
		Timeout: opts.Timeout,
		Transport: &userAgentTransport{
			base:      transport,
			userAgent: opts.UserAgent,
		},
	}, nil
}

type userAgentTransport struct {
	base      http.RoundTripper
	userAgent string
}

func (t *userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") == "" {
		req = req.Clone(req.Context())
		req.Header.Set("User-Agent", t.userAgent)
	}
	return t.base.RoundTrip(req)
}

// applyProxy wires the proxy into the transport. SOCKS5 wins over HTTP(S).
func applyProxy(transport *http.Transport, cfg *config.ProxyConfig) error {
	if cfg.SOCKS5Proxy != "" {
		return applySOCKS5(transport, cfg.SOCKS5Proxy)
	}

	bypass := parseNoProxy(cfg.NoProxy)
	httpProxy, err := parseOptionalURL(cfg.HTTPProxy)
	if err != nil {
		return fmt.Errorf("parse http proxy: %w", err)
	}
	httpsProxy, err := parseOptionalURL(cfg.HTTPSProxy)
	if err != nil {
		return fmt.Errorf("parse https proxy: %w", err)
	}

	transport.Proxy = func(req *http.Request) (*url.URL, error) {
		if bypass.matches(req.URL.Host) {
			return nil, nil
		}
		if req.URL.Scheme == "https" && httpsProxy != nil {
			return httpsProxy, nil
		}
		return httpProxy, nil
	}
	return nil
}

func applySOCKS5(transport *http.Transport, rawURL string) error {
	proxyURL, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("parse SOCKS5 proxy URL: %w", err)
	}

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
		return fmt.Errorf("create SOCKS5 dialer: %w", err)
	}

	if cd, ok := dialer.(proxy.ContextDialer); ok {
		transport.DialContext = cd.DialContext
		return nil
	}
	transport.DialContext = func(_ context.Context, network, addr string) (net.Conn, error) {
		return dialer.Dial(network, addr)
	}
	return nil
}

func parseOptionalURL(raw string) (*url.URL, error) {
	if raw == "" {
		return nil, nil
	}
	return url.Parse(raw)
}

// noProxy is a parsed no_proxy list.
type noProxy []string

func parseNoProxy(list string) noProxy {
	var out noProxy
	for _, p := range strings.Split(list, ",") {
		p = strings.ToLower(strings.TrimSpace(p))
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// matches reports whether host (optionally with port) bypasses the proxy.
// Entries may be "*", an exact host, ".suffix" or a parent domain.
func (n noProxy) matches(host string) bool {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.ToLower(host)

	for _, pattern := range n {
		switch {
		case pattern == "*":
			return true
		case host == pattern:
			return true
		case strings.HasPrefix(pattern, "."):
			if strings.HasSuffix(host, pattern) {
				return true
			}
		case strings.HasSuffix(host, "."+pattern):
			return true
		}
	}
	return false
}

// Describe returns a human readable summary of the proxy settings with
// credentials masked.
func Describe(cfg *config.ProxyConfig) string {
	if cfg == nil || !cfg.HasProxy() {
		return "direct"
	}

	var parts []string
	if cfg.SOCKS5Proxy != "" {
		parts = append(parts, "socks5="+maskCredentials(cfg.SOCKS5Proxy))
	}
	if cfg.HTTPProxy != "" {
		parts = append(parts, "http="+maskCredentials(cfg.HTTPProxy))
	}
	if cfg.HTTPSProxy != "" {
		parts = append(parts, "https="+maskCredentials(cfg.HTTPSProxy))
	}
	if cfg.NoProxy != "" {
		parts = append(parts, "no_proxy="+cfg.NoProxy)
	}
	return strings.Join(parts, " ")
}

func maskCredentials(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.User == nil {
		return rawURL
	}
	if _, hasPass := u.User.Password(); hasPass {
		u.User = url.UserPassword(u.User.Username(), "xxxx")
	}
	return u.String()
}
