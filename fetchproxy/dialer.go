// Package fetchproxy provides fetch.DialFunc implementations that route
// connections through HTTP CONNECT and SOCKS5 proxies, including proxies
// configured via environment variables.
package fetchproxy

import (
	"bufio"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/http/httpproxy"
	"golang.org/x/net/proxy"

	"github.com/fetchkit/fetch"
)

var (
	// Used for caching authentication information when using an HTTP proxy,
	// it helps avoid re-encoding the authentication details when the ProxyURL
	// changes along with the request URL.
	authCache    = sync.Map{}
	colonTLSPort = ":443"
	tmpURL       = &url.URL{Scheme: httpsScheme, Host: "example.com"}
)

// Dialer combines the engine's TCP dialing with the finer-grained proxy
// selection offered by httpproxy.Config.
type Dialer struct {
	// Support HTTPProxy, HTTPSProxy and NoProxy configuration.
	//
	// HTTPProxy represents the value of the HTTP_PROXY or
	// http_proxy environment variable. It will be used as the proxy
	// URL for HTTP requests unless overridden by NoProxy.
	//
	// HTTPSProxy represents the HTTPS_PROXY or https_proxy
	// environment variable. It will be used as the proxy URL for
	// HTTPS requests unless overridden by NoProxy.
	//
	// NoProxy represents the NO_PROXY or no_proxy environment
	// variable. It specifies a string that contains comma-separated values
	// specifying hosts that should be excluded from proxying. Each value is
	// represented by an IP address prefix (1.2.3.4), an IP address prefix in
	// CIDR notation (1.2.3.4/8), a domain name, or a special DNS label (*).
	// An IP address prefix and domain name can also include a literal port
	// number (1.2.3.4:80).
	// A domain name matches that name and all subdomains. A domain name with
	// a leading "." matches subdomains only. For example "foo.com" matches
	// "foo.com" and "bar.foo.com"; ".y.com" matches "x.y.com" but not "y.com".
	// A single asterisk (*) indicates that no proxying should be done.
	// A best effort is made to parse the string and errors are
	// ignored.
	httpproxy.Config

	// Attempt to connect to both ipv4 and ipv6 addresses if set to true.
	// By default, dial only to ipv4 addresses,
	// since unfortunately ipv6 remains broken in many networks worldwide :)
	DialDualStack bool

	// The timeout for sending a CONNECT request when using an HTTP proxy.
	ConnectTimeout time.Duration
}

// GetDialFunc returns an engine-style dial function. The useEnv parameter
// determines whether the proxy address comes from Dialer.Config or from
// environment variables.
func (d *Dialer) GetDialFunc(useEnv bool) (fetch.DialFunc, error) {
	config := &d.Config
	if useEnv {
		config = httpproxy.FromEnvironment()
	}
	proxyURLIsSame := config.HTTPSProxy == config.HTTPProxy && config.NoProxy == ""
	network := "tcp4"
	if d.DialDualStack {
		network = "tcp"
	}
	proxyFunc := config.ProxyFunc()
	if proxyURLIsSame {
		proxyURL, err := proxyFunc(tmpURL)
		if err != nil {
			return nil, err
		}
		if proxyURL == nil {
			// dial directly
			return func(addr string) (net.Conn, error) {
				return d.Dial(network, addr)
			}, nil
		}
		proxyDialer, err := d.proxyDialer(proxyURL)
		if err != nil {
			return nil, err
		}
		return func(addr string) (net.Conn, error) {
			return proxyDialer.Dial(network, addr)
		}, nil
	}
	// slow path when the proxyURL changes along with the request URL.
	return func(addr string) (net.Conn, error) {
		scheme := httpsScheme
		if !strings.HasSuffix(addr, colonTLSPort) {
			scheme = httpScheme
		}
		reqURL := &url.URL{Host: addr, Scheme: scheme}
		proxyURL, err := proxyFunc(reqURL)
		if err != nil {
			return nil, err
		}
		if proxyURL == nil {
			// dial directly
			return d.Dial(network, addr)
		}
		proxyDialer, err := d.proxyDialer(proxyURL)
		if err != nil {
			return nil, err
		}
		return proxyDialer.Dial(network, addr)
	}, nil
}

func (d *Dialer) proxyDialer(proxyURL *url.URL) (proxy.Dialer, error) {
	switch proxyURL.Scheme {
	case "socks5", "socks5h":
		return proxy.FromURL(proxyURL, d)
	case "http":
		proxyAddr, auth := addrAndAuth(proxyURL)
		return DialerFunc(func(network, addr string) (net.Conn, error) {
			return httpProxyDial(d, network, addr, proxyAddr, auth)
		}), nil
	}
	return nil, errors.New("proxy: unknown scheme: " + proxyURL.Scheme)
}

// Dial is solely for implementing the proxy.Dialer interface.
func (d *Dialer) Dial(network, addr string) (net.Conn, error) {
	if network == "tcp4" {
		return fetch.Dial(addr)
	}
	if network == "tcp" {
		return fetch.DialDualStack(addr)
	}
	return nil, errors.New("dont support the network: " + network)
}

func (d *Dialer) connectTimeout() time.Duration {
	return d.ConnectTimeout
}

// In the httpProxyDial function, the proxy.Dialer that implements
// this interface can retrieve timeout information when sending the CONNECT
// method to the HTTP proxy.
type httpProxyDialer interface {
	connectTimeout() time.Duration
}

// DialerFunc makes a function of type func(network, addr string) (net.Conn, error)
// implement the proxy.Dialer interface.
type DialerFunc func(network, addr string) (net.Conn, error)

func (d DialerFunc) Dial(network, addr string) (net.Conn, error) {
	return d(network, addr)
}

// Establish a connection through an HTTP proxy.
func httpProxyDial(dialer proxy.Dialer, network, addr, proxyAddr, auth string) (net.Conn, error) {
	conn, err := dialer.Dial(network, proxyAddr)
	if err != nil {
		return nil, err
	}
	var connectTimeout time.Duration
	if hp, ok := dialer.(httpProxyDialer); ok {
		connectTimeout = hp.connectTimeout()
	}
	if err := connectTunnel(conn, addr, proxyAddr, auth, connectTimeout); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return conn, nil
}

// connectTunnel sends a CONNECT request for addr over conn and verifies the
// proxy accepted it. Any deadline set for the exchange is cleared before
// returning.
func connectTunnel(conn net.Conn, addr, proxyAddr, auth string, timeout time.Duration) error {
	if timeout > 0 {
		if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
			return err
		}
		defer func() {
			_ = conn.SetDeadline(time.Time{})
		}()
	}
	req := "CONNECT " + addr + " HTTP/1.1\r\nHost: " + addr + "\r\n"
	if auth != "" {
		req += "Proxy-Authorization: Basic " + auth + "\r\n"
	}
	req += "\r\n"
	if _, err := conn.Write([]byte(req)); err != nil {
		return err
	}
	status, err := readConnectResponse(bufio.NewReaderSize(conn, 1024))
	if err != nil {
		return err
	}
	if status != 200 {
		return fmt.Errorf("could not connect to proxyAddr: %s status code: %d", proxyAddr, status)
	}
	return nil
}

// readConnectResponse parses the proxy response to a CONNECT request and
// returns its status code. The head is consumed up to and including the
// terminating empty line. The tunnel carries no server bytes until the
// client speaks, so reading via a throwaway buffer is safe here.
func readConnectResponse(br *bufio.Reader) (int, error) {
	line, err := br.ReadString('\n')
	if err != nil {
		return 0, err
	}
	line = strings.TrimRight(line, "\r\n")
	proto, rest, ok := strings.Cut(line, " ")
	if !ok || !strings.HasPrefix(proto, "HTTP/") {
		return 0, fmt.Errorf("unexpected proxy response line %q", line)
	}
	code, _, _ := strings.Cut(rest, " ")
	status, err := strconv.Atoi(code)
	if err != nil {
		return 0, fmt.Errorf("unexpected proxy status in line %q", line)
	}
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			return 0, err
		}
		if line == "\r\n" || line == "\n" {
			return status, nil
		}
	}
}

// Cache authentication information for HTTP proxies.
type proxyInfo struct {
	auth string
	addr string
}

func addrAndAuth(pu *url.URL) (proxyAddr, auth string) {
	if pu.User == nil {
		proxyAddr = pu.Host + pu.Path
		return
	}
	v, ok := authCache.Load(pu)
	if ok {
		info := v.(*proxyInfo)
		return info.addr, info.auth
	}
	info := &proxyInfo{
		auth: base64.StdEncoding.EncodeToString([]byte(pu.User.String())),
		addr: pu.Host + pu.Path,
	}
	authCache.Store(pu, info)
	return info.addr, info.auth
}
