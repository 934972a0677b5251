// Package davfacade provides a single process-wide, pooled HTTP client for
// every piece of code that talks to an Exchange WebDAV back end: fixed
// User-Agent, DIGEST-then-BASIC origin auth, NTLM-or-BASIC proxy auth,
// manual redirect following, and a background reaper that closes
// connections idle for 60 seconds or more.
package davfacade

import (
	"context"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/openexgw/ldapgateway/config"
)

// userAgent is fixed to the IE-6 string Exchange's OWA/WebDAV endpoint
// requires to return XML instead of an HTML login page.
const userAgent = "Mozilla/4.0 (compatible; MSIE 6.0; Windows NT 5.1; SV1)"

// idleCloseThreshold is the minimum idle time before the reaper force-closes
// a connection.
const idleCloseThreshold = 60 * time.Second

// reapInterval is how often the reaper wakes up to sweep idle connections.
const reapInterval = 60 * time.Second

// trackedConn wraps a dialed net.Conn with a last-activity timestamp the
// reaper inspects; Read/Write refresh it so an in-use connection is never
// reaped out from under a caller.
type trackedConn struct {
	net.Conn
	lastUsed atomic.Int64 // unix nanos
}

func (c *trackedConn) touch() { c.lastUsed.Store(time.Now().UnixNano()) }

func (c *trackedConn) Read(b []byte) (int, error) {
	n, err := c.Conn.Read(b)
	c.touch()
	return n, err
}

func (c *trackedConn) Write(b []byte) (int, error) {
	n, err := c.Conn.Write(b)
	c.touch()
	return n, err
}

func (c *trackedConn) idleSince() time.Duration {
	return time.Since(time.Unix(0, c.lastUsed.Load()))
}

// Pool is the process-wide HTTP facade. It is created once at startup and
// shut down at teardown; Start/Stop are idempotent so callers never need to
// guard against a double-stop during shutdown races.
type Pool struct {
	transport *http.Transport
	client    *http.Client
	log       zerolog.Logger

	startOnce sync.Once

	stopOnce sync.Once
	stopChan chan struct{}
	wg       sync.WaitGroup
	closed   int32

	conns sync.Map // *trackedConn -> struct{}
}

// New builds a Pool from settings. Call Start before issuing requests.
func New(settings *config.Settings, log zerolog.Logger) *Pool {
	p := &Pool{log: log, stopChan: make(chan struct{})}

	dialer := &net.Dialer{}
	p.transport = &http.Transport{
		MaxConnsPerHost:     100,
		MaxIdleConnsPerHost: 100,
		Proxy:               proxyFunc(settings),
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			nc, err := dialer.DialContext(ctx, network, addr)
			if err != nil {
				return nil, err
			}
			tc := &trackedConn{Conn: nc}
			tc.touch()
			p.conns.Store(tc, struct{}{})
			return tc, nil
		},
	}
	p.client = &http.Client{
		Transport: &authRoundTripper{next: wrapNTLMProxy(settings, p.transport), settings: settings},
		// Redirects are followed manually by this facade (see redirect.go):
		// the underlying client must never auto-follow one.
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	return p
}

// Start launches the idle-connection reaper. Idempotent: only the first
// call starts it.
func (p *Pool) Start() {
	p.startOnce.Do(func() {
		p.wg.Add(1)
		go p.reapLoop()
	})
}

// Stop shuts the reaper down and then closes every connection the transport
// currently holds idle in its pool.
// Idempotent: a second call returns immediately.
func (p *Pool) Stop() {
	if !atomic.CompareAndSwapInt32(&p.closed, 0, 1) {
		return
	}
	p.stopOnce.Do(func() { close(p.stopChan) })
	p.wg.Wait()
	p.transport.CloseIdleConnections()
}

func (p *Pool) reapLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(reapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopChan:
			return
		case <-ticker.C:
			p.reapIdle()
		}
	}
}

// reapIdle force-closes every tracked connection idle for at least
// idleCloseThreshold, then asks the transport to drop them from its pool.
func (p *Pool) reapIdle() {
	closedAny := false
	p.conns.Range(func(key, _ any) bool {
		tc := key.(*trackedConn)
		if tc.idleSince() >= idleCloseThreshold {
			tc.Conn.Close()
			p.conns.Delete(tc)
			closedAny = true
		}
		return true
	})
	if closedAny {
		p.transport.CloseIdleConnections()
		p.log.Debug().Msg("reaped idle HTTP connections")
	}
}

// Client returns the pooled *http.Client every facade helper should use.
func (p *Pool) Client() *http.Client {
	return p.client
}

// PoolStats reports the facade's tracked-connection counts.
type PoolStats struct {
	Open int // connections currently tracked, dialed and not yet reaped
	Idle int // of those, how many have been idle long enough for the reaper to close them
}

// Stats reports the pool's current open/idle connection counts.
func (p *Pool) Stats() PoolStats {
	var stats PoolStats
	p.conns.Range(func(key, _ any) bool {
		stats.Open++
		if key.(*trackedConn).idleSince() >= idleCloseThreshold {
			stats.Idle++
		}
		return true
	})
	return stats
}
