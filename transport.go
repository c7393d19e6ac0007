package fetch

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Maximum number of concurrent connections the default transport may
// establish per host.
const DefaultMaxConnsPerHost = 512

// Duration an idle keep-alive connection stays in the pool before the
// cleaner closes it.
const DefaultMaxIdleConnDuration = 10 * time.Second

// ErrNoFreeConns is returned when no free connections available
// to the given host.
var ErrNoFreeConns = errors.New("no free connections available to host")

// DialFunc must establish connection to addr.
//
// There is no need in establishing TLS (SSL) connection for https.
// The transport automatically converts connection to TLS.
//
// TCP address passed to DialFunc always contains host and port.
// Example TCP addr values:
//
//   - foobar.com:80
//   - foobar.com:443
//   - foobar.com:8080
type DialFunc func(addr string) (net.Conn, error)

// ConnError wraps a failure to establish a transport connection.
type ConnError struct {
	Addr string
	Err  error
}

func (e *ConnError) Error() string {
	return fmt.Sprintf("error trying to connect to %s: %s", e.Addr, e.Err)
}

func (e *ConnError) Unwrap() error {
	return e.Err
}

// Transport hands out connections for request dispatch.
//
// Acquire returns a connection to addr ready for a single exchange.
// fresh forces a newly dialed connection; reused reports whether the
// returned connection already served an exchange on an earlier checkout.
// Release returns conn after the exchange; reuse marks it safe for
// another one.
//
// Implementations must be safe for concurrent use.
type Transport interface {
	Acquire(scheme, addr string, fresh bool) (conn net.Conn, reused bool, err error)
	Release(conn net.Conn, reuse bool)
}

// netTransport is the default Transport. It keeps per-host pools of
// keep-alive TCP connections, dialing new ones on demand up to
// maxConnsPerHost and closing idle ones in the background.
type netTransport struct {
	dial                DialFunc
	dialDualStack       bool
	tlsConfig           *tls.Config
	maxConnsPerHost     int
	maxIdleConnDuration time.Duration

	mLock sync.Mutex
	m     map[string]*hostPool
	ms    map[string]*hostPool
}

func (t *netTransport) Acquire(scheme, addr string, fresh bool) (net.Conn, bool, error) {
	isTLS := scheme == schemeHTTPS
	if !isTLS && scheme != schemeHTTP {
		return nil, false, fmt.Errorf("unsupported transport scheme %q", scheme)
	}
	p := t.hostPool(addMissingPort(addr, isTLS), isTLS)
	tc, reused, err := p.acquireConn(fresh)
	if err != nil {
		return nil, false, err
	}
	return tc, reused, nil
}

func (t *netTransport) Release(conn net.Conn, reuse bool) {
	tc, ok := conn.(*transportConn)
	if !ok || tc.pool == nil {
		conn.Close()
		return
	}
	if reuse {
		tc.pool.releaseConn(tc)
	} else {
		tc.pool.closeConn(tc)
	}
}

// CloseIdleConnections closes every pooled connection that is not
// currently checked out.
func (t *netTransport) CloseIdleConnections() {
	t.mLock.Lock()
	pools := make([]*hostPool, 0, len(t.m)+len(t.ms))
	for _, p := range t.m {
		pools = append(pools, p)
	}
	for _, p := range t.ms {
		pools = append(pools, p)
	}
	t.mLock.Unlock()

	for _, p := range pools {
		p.closeIdleConns()
	}
}

func (t *netTransport) hostPool(addr string, isTLS bool) *hostPool {
	startCleaner := false

	t.mLock.Lock()
	m := t.m
	if isTLS {
		m = t.ms
	}
	if m == nil {
		m = make(map[string]*hostPool)
		if isTLS {
			t.ms = m
		} else {
			t.m = m
		}
	}
	p := m[addr]
	if p == nil {
		p = &hostPool{
			addr:                addr,
			isTLS:               isTLS,
			dial:                t.dial,
			dialDualStack:       t.dialDualStack,
			maxConns:            t.maxConnsPerHost,
			maxIdleConnDuration: t.maxIdleConnDuration,
		}
		if isTLS {
			p.tlsConfig = tlsConfigForAddr(t.tlsConfig, addr)
		}
		m[addr] = p
		if len(m) == 1 {
			startCleaner = true
		}
	}
	p.touch()
	t.mLock.Unlock()

	if startCleaner {
		go t.poolsCleaner(m)
	}
	return p
}

// poolsCleaner drops host pools that have not been used for a while. The
// pool object stays alive for connections still checked out of it.
func (t *netTransport) poolsCleaner(m map[string]*hostPool) {
	mustStop := false
	for {
		time.Sleep(10 * time.Second)

		t.mLock.Lock()
		now := time.Now()
		for k, p := range m {
			if now.Sub(p.lastUseTime()) > time.Minute && p.idleConnsCount() == 0 {
				delete(m, k)
			}
		}
		if len(m) == 0 {
			mustStop = true
		}
		t.mLock.Unlock()

		if mustStop {
			break
		}
	}
}

var startTimeUnix = time.Now().Unix()

// hostPool keeps the keep-alive connections to a single host:port.
type hostPool struct {
	addr          string
	isTLS         bool
	tlsConfig     *tls.Config
	dial          DialFunc
	dialDualStack bool

	maxConns            int
	maxIdleConnDuration time.Duration

	lastUse int64

	connsLock  sync.Mutex
	connsCount int
	conns      []*transportConn
}

// transportConn is one pooled connection together with its bookkeeping.
type transportConn struct {
	net.Conn
	createdTime time.Time
	lastUseTime time.Time
	reused      bool
	pool        *hostPool
}

func (p *hostPool) touch() {
	atomic.StoreInt64(&p.lastUse, time.Now().Unix()-startTimeUnix)
}

func (p *hostPool) lastUseTime() time.Time {
	return time.Unix(startTimeUnix+atomic.LoadInt64(&p.lastUse), 0)
}

func (p *hostPool) idleConnsCount() int {
	p.connsLock.Lock()
	n := len(p.conns)
	p.connsLock.Unlock()
	return n
}

func (p *hostPool) acquireConn(fresh bool) (*transportConn, bool, error) {
	var tc *transportConn
	createConn := false
	startCleaner := false

	p.connsLock.Lock()
	n := len(p.conns)
	if n == 0 || fresh {
		maxConns := p.maxConns
		if maxConns <= 0 {
			maxConns = DefaultMaxConnsPerHost
		}
		if p.connsCount < maxConns {
			p.connsCount++
			createConn = true
		}
		if createConn && p.connsCount == 1 {
			startCleaner = true
		}
	} else {
		n--
		tc = p.conns[n]
		p.conns = p.conns[:n]
	}
	p.connsLock.Unlock()

	if tc != nil {
		tc.reused = true
		return tc, true, nil
	}
	if !createConn {
		return nil, false, ErrNoFreeConns
	}

	conn, err := p.dialHost()
	if err != nil {
		p.decConnsCount()
		return nil, false, err
	}
	tc = &transportConn{
		Conn:        conn,
		createdTime: time.Now(),
		pool:        p,
	}

	if startCleaner {
		go p.connsCleaner()
	}
	return tc, false, nil
}

func (p *hostPool) releaseConn(tc *transportConn) {
	tc.lastUseTime = time.Now()
	p.connsLock.Lock()
	p.conns = append(p.conns, tc)
	p.connsLock.Unlock()
}

func (p *hostPool) closeConn(tc *transportConn) {
	p.decConnsCount()
	tc.Conn.Close()
}

func (p *hostPool) decConnsCount() {
	p.connsLock.Lock()
	p.connsCount--
	p.connsLock.Unlock()
}

func (p *hostPool) connsCleaner() {
	maxIdle := p.maxIdleConnDuration
	if maxIdle <= 0 {
		maxIdle = DefaultMaxIdleConnDuration
	}

	mustStop := false
	for {
		t := time.Now()
		p.connsLock.Lock()
		conns := p.conns
		for len(conns) > 0 && t.Sub(conns[0].lastUseTime) > maxIdle {
			tc := conns[0]
			p.connsCount--
			tc.Conn.Close()
			conns = conns[1:]
		}
		if len(conns) < len(p.conns) {
			copy(p.conns, conns)
			for i := len(conns); i < len(p.conns); i++ {
				p.conns[i] = nil
			}
			p.conns = p.conns[:len(conns)]
		}
		if p.connsCount == 0 {
			mustStop = true
		}
		p.connsLock.Unlock()

		if mustStop {
			break
		}
		time.Sleep(maxIdle)
	}
}

func (p *hostPool) closeIdleConns() {
	p.connsLock.Lock()
	for _, tc := range p.conns {
		p.connsCount--
		tc.Conn.Close()
	}
	p.conns = p.conns[:0]
	p.connsLock.Unlock()
}

func (p *hostPool) dialHost() (net.Conn, error) {
	dial := p.dial
	if dial == nil {
		if p.dialDualStack {
			dial = DialDualStack
		} else {
			dial = Dial
		}
	}
	conn, err := dial(p.addr)
	if err != nil {
		return nil, &ConnError{Addr: p.addr, Err: err}
	}
	if conn == nil {
		panic("BUG: DialFunc returned (nil, nil)")
	}
	if p.isTLS {
		tlsConn := tls.Client(conn, p.tlsConfig)
		conn.SetDeadline(time.Now().Add(DefaultDialTimeout))
		if err := tlsConn.Handshake(); err != nil {
			conn.Close()
			return nil, &ConnError{Addr: p.addr, Err: err}
		}
		conn.SetDeadline(time.Time{})
		conn = tlsConn
	}
	return conn, nil
}

// tlsConfigForAddr derives the per-host TLS config, filling in the
// ServerName certificate verification needs.
func tlsConfigForAddr(base *tls.Config, addr string) *tls.Config {
	var cfg *tls.Config
	if base == nil {
		cfg = &tls.Config{}
	} else {
		cfg = base.Clone()
	}
	if cfg.ServerName == "" {
		host, _, err := net.SplitHostPort(addr)
		if err != nil {
			host = addr
		}
		cfg.ServerName = host
	}
	return cfg
}

func addMissingPort(addr string, isTLS bool) string {
	n := strings.Index(addr, ":")
	if n >= 0 {
		return addr
	}
	port := 80
	if isTLS {
		port = 443
	}
	return fmt.Sprintf("%s:%d", addr, port)
}
