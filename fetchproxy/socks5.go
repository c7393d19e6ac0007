package fetchproxy

import (
	"golang.org/x/net/http/httpproxy"

	"github.com/fetchkit/fetch"
)

// SOCKS5 returns a fetch.DialFunc that dials using
// the provided SOCKS5 proxy.
//
// Example usage:
//
//	c := &fetch.Client{
//		Dial: fetchproxy.SOCKS5("socks5://localhost:9050"),
//	}
func SOCKS5(proxyAddr string) fetch.DialFunc {
	d := Dialer{Config: httpproxy.Config{HTTPProxy: proxyAddr, HTTPSProxy: proxyAddr}}
	return dialFuncOrError(d.GetDialFunc(false))
}

// SOCKS5DualStack returns a fetch.DialFunc that dials using
// the provided SOCKS5 proxy with support for both IPv4 and IPv6.
//
// Example usage:
//
//	c := &fetch.Client{
//		Dial: fetchproxy.SOCKS5DualStack("socks5://localhost:9050"),
//	}
func SOCKS5DualStack(proxyAddr string) fetch.DialFunc {
	d := Dialer{Config: httpproxy.Config{HTTPProxy: proxyAddr, HTTPSProxy: proxyAddr}, DialDualStack: true}
	return dialFuncOrError(d.GetDialFunc(false))
}
