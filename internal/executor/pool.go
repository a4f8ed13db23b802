package executor

import (
	"container/list"
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"
)

// connectTimeoutKey carries a per-request connect timeout through
// context.Context so a single shared http.Transport's DialContext can honor
// each request's own connect_timeout, even though the Transport (and its
// dialer) is reused across many requests to the same host.
type connectTimeoutKey struct{}

func withConnectTimeout(ctx context.Context, d time.Duration) context.Context {
	return context.WithValue(ctx, connectTimeoutKey{}, d)
}

func connectTimeoutFrom(ctx context.Context, fallback time.Duration) time.Duration {
	if d, ok := ctx.Value(connectTimeoutKey{}).(time.Duration); ok && d > 0 {
		return d
	}
	return fallback
}

// hostPool is a bounded, LRU-evicted cache of *http.Transport keyed by
// scheme+host, mirroring the connection-pooling role oaihttp/client.go's
// package-level http.Client plays for the inference engine, generalized
// here to one pooled Transport per destination host instead of one global
// client; max_host_clients bounds how many hosts keep a pooled Transport at
// once, evicting the least recently used.
type hostPool struct {
	mu          sync.Mutex
	maxEntries  int
	idleTimeout time.Duration
	enableH2    bool
	proxyURL    string

	order   *list.List // front = most recently used
	entries map[string]*list.Element
}

type poolEntry struct {
	key       string
	transport *http.Transport
}

func newHostPool(maxEntries int, idleTimeout time.Duration, enableH2 bool, proxyURL string) *hostPool {
	if maxEntries <= 0 {
		maxEntries = 8
	}
	return &hostPool{
		maxEntries:  maxEntries,
		idleTimeout: idleTimeout,
		enableH2:    enableH2,
		proxyURL:    proxyURL,
		order:       list.New(),
		entries:     make(map[string]*list.Element),
	}
}

func hostKey(u *url.URL) string {
	return u.Scheme + "://" + u.Host
}

// transportFor returns the pooled Transport for u's host, creating one (and
// evicting the least-recently-used entry if the pool is at capacity) when
// none exists yet.
func (p *hostPool) transportFor(u *url.URL) *http.Transport {
	key := hostKey(u)

	p.mu.Lock()
	defer p.mu.Unlock()

	if el, ok := p.entries[key]; ok {
		p.order.MoveToFront(el)
		return el.Value.(*poolEntry).transport
	}

	tr := p.newTransport()
	el := p.order.PushFront(&poolEntry{key: key, transport: tr})
	p.entries[key] = el

	if p.order.Len() > p.maxEntries {
		p.evictOldest()
	}
	return tr
}

func (p *hostPool) evictOldest() {
	oldest := p.order.Back()
	if oldest == nil {
		return
	}
	entry := oldest.Value.(*poolEntry)
	p.order.Remove(oldest)
	delete(p.entries, entry.key)
	entry.transport.CloseIdleConnections()
}

func (p *hostPool) newTransport() *http.Transport {
	dialer := &net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}

	tr := &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			timeout := connectTimeoutFrom(ctx, dialer.Timeout)
			dialCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			return dialer.DialContext(dialCtx, network, addr)
		},
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 100,
		IdleConnTimeout:     p.idleTimeout,
		TLSClientConfig:     &tls.Config{},
		ForceAttemptHTTP2:   p.enableH2,
	}

	if p.proxyURL != "" {
		if parsed, err := url.Parse(p.proxyURL); err == nil {
			tr.Proxy = http.ProxyURL(parsed)
		}
	} else {
		tr.Proxy = http.ProxyFromEnvironment
	}

	if !p.enableH2 {
		tr.TLSNextProto = map[string]func(string, *tls.Conn) http.RoundTripper{}
	}

	return tr
}

// closeAll releases every pooled Transport's idle connections, used on
// Executor.Close.
func (p *hostPool) closeAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, el := range p.entries {
		el.Value.(*poolEntry).transport.CloseIdleConnections()
	}
	p.order.Init()
	p.entries = make(map[string]*list.Element)
}
