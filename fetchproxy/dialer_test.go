package fetchproxy

import (
	"bufio"
	"io"
	"net"
	"strings"
	"sync/atomic"
	"testing"

	"golang.org/x/net/http/httpproxy"

	"github.com/fetchkit/fetch"
)

func TestDialerGetDialFunc(t *testing.T) {
	counts := make([]atomic.Int64, 4)
	proxies := make([]string, 4)
	for i := range proxies {
		proxies[i] = startConnectProxy(t, &counts[i])
	}
	var direct atomic.Int64
	target := startDirectTarget(t, &direct)

	t.Setenv("HTTP_PROXY", "http://"+proxies[2])
	t.Setenv("HTTPS_PROXY", "http://"+proxies[3])
	t.Setenv("NO_PROXY", "intranet.test")

	cfg := httpproxy.Config{
		HTTPProxy:  "http://" + proxies[0],
		HTTPSProxy: "http://" + proxies[1],
		NoProxy:    "intranet.test",
	}
	sharedCfg := httpproxy.Config{
		HTTPProxy:  "http://" + proxies[0],
		HTTPSProxy: "http://" + proxies[0],
	}

	tests := []struct {
		name           string
		config         httpproxy.Config
		useEnv         bool
		dialAddr       string
		wantCounts     []int64
		wantDirect     int64
		wantDialErr    bool
		wantErrMessage string
	}{
		{
			name:       "config proxies, https host",
			config:     cfg,
			dialAddr:   "origin.test:443",
			wantCounts: []int64{0, 1, 0, 0},
		},
		{
			name:       "config proxies, http host",
			config:     cfg,
			dialAddr:   "origin.test:80",
			wantCounts: []int64{1, 0, 0, 0},
		},
		{
			name:        "config proxies, http host excluded by NoProxy",
			config:      cfg,
			dialAddr:    "intranet.test:80",
			wantCounts:  []int64{0, 0, 0, 0},
			wantDialErr: true,
		},
		{
			name:        "config proxies, https host excluded by NoProxy",
			config:      cfg,
			dialAddr:    "intranet.test:443",
			wantCounts:  []int64{0, 0, 0, 0},
			wantDialErr: true,
		},
		{
			name:       "config proxies, loopback host dials directly",
			config:     cfg,
			dialAddr:   target,
			wantCounts: []int64{0, 0, 0, 0},
			wantDirect: 1,
		},
		{
			name:       "env proxies, http host",
			config:     cfg,
			useEnv:     true,
			dialAddr:   "origin.test:80",
			wantCounts: []int64{0, 0, 1, 0},
		},
		{
			name:       "env proxies, https host",
			config:     cfg,
			useEnv:     true,
			dialAddr:   "origin.test:443",
			wantCounts: []int64{0, 0, 0, 1},
		},
		{
			name:        "env proxies, host excluded by NO_PROXY",
			config:      cfg,
			useEnv:      true,
			dialAddr:    "intranet.test:80",
			wantCounts:  []int64{0, 0, 0, 0},
			wantDialErr: true,
		},
		{
			name:       "matching proxies share one tunnel dialer, http host",
			config:     sharedCfg,
			dialAddr:   "origin.test:80",
			wantCounts: []int64{1, 0, 0, 0},
		},
		{
			name:       "matching proxies share one tunnel dialer, https host",
			config:     sharedCfg,
			dialAddr:   "origin.test:443",
			wantCounts: []int64{1, 0, 0, 0},
		},
		{
			name:       "no proxies configured dials directly",
			config:     httpproxy.Config{},
			dialAddr:   target,
			wantCounts: []int64{0, 0, 0, 0},
			wantDirect: 1,
		},
		{
			name: "unknown proxy scheme",
			config: httpproxy.Config{
				HTTPProxy:  "socks6://" + proxies[0],
				HTTPSProxy: "socks6://" + proxies[0],
			},
			dialAddr:       "origin.test:80",
			wantCounts:     []int64{0, 0, 0, 0},
			wantErrMessage: "proxy: unknown scheme: socks6",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := &Dialer{Config: tt.config}
			dialFunc, err := d.GetDialFunc(tt.useEnv)
			if tt.wantErrMessage != "" {
				if err == nil {
					t.Fatalf("expecting error")
				}
				if err.Error() != tt.wantErrMessage {
					t.Fatalf("unexpected error message %q. Expecting %q", err.Error(), tt.wantErrMessage)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			dialErr := dialAndSettle(dialFunc, tt.dialAddr)
			if tt.wantDialErr {
				if dialErr == nil {
					t.Fatalf("expecting error when dialing %s without a proxy", tt.dialAddr)
				}
			} else if dialErr != nil {
				t.Fatalf("unexpected error: %v", dialErr)
			}
			for i := range counts {
				if n := counts[i].Load(); n != tt.wantCounts[i] {
					t.Errorf("proxy %d handled %d tunnel requests. Expecting %d", i, n, tt.wantCounts[i])
				}
			}
			if n := direct.Load(); n != tt.wantDirect {
				t.Errorf("direct target accepted %d connections. Expecting %d", n, tt.wantDirect)
			}
		})
		for i := range counts {
			counts[i].Store(0)
		}
		direct.Store(0)
	}
}

// startConnectProxy starts a proxy on a loopback port that acknowledges
// every CONNECT request, counts it and closes the connection.
func startConnectProxy(t *testing.T, count *atomic.Int64) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			head, err := readRequestHead(bufio.NewReader(conn))
			if err != nil {
				conn.Close()
				continue
			}
			if strings.HasPrefix(head, "CONNECT ") {
				count.Add(1)
			}
			conn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n"))
			conn.Close()
		}
	}()
	return ln.Addr().String()
}

// startDirectTarget starts a loopback listener that counts accepted
// connections and closes them right away.
func startDirectTarget(t *testing.T, count *atomic.Int64) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			count.Add(1)
			conn.Close()
		}
	}()
	return ln.Addr().String()
}

// dialAndSettle dials addr and waits for the test server to close the
// connection, so its counters are settled by the time the caller reads them.
func dialAndSettle(dial fetch.DialFunc, addr string) error {
	conn, err := dial(addr)
	if err != nil {
		return err
	}
	io.Copy(io.Discard, conn)
	conn.Close()
	return nil
}

func readRequestHead(br *bufio.Reader) (string, error) {
	var head strings.Builder
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			return "", err
		}
		head.WriteString(line)
		if line == "\r\n" || line == "\n" {
			return head.String(), nil
		}
	}
}
