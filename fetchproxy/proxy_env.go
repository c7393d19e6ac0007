package fetchproxy

import (
	"net"
	"time"

	"github.com/fetchkit/fetch"
)

const (
	httpsScheme = "https"
	httpScheme  = "http"
)

// Environment returns a fetch.DialFunc that dials using the
// env(HTTP_PROXY, HTTPS_PROXY and NO_PROXY) configured HTTP proxy.
//
// Example usage:
//
//	c := &fetch.Client{
//		Dial: fetchproxy.Environment(),
//	}
func Environment() fetch.DialFunc {
	return EnvironmentTimeout(0)
}

// EnvironmentTimeout works like Environment with the given timeout
// applied to the CONNECT exchange when an HTTP proxy is configured.
//
// Example usage:
//
//	c := &fetch.Client{
//		Dial: fetchproxy.EnvironmentTimeout(time.Second * 2),
//	}
func EnvironmentTimeout(connectTimeout time.Duration) fetch.DialFunc {
	d := Dialer{ConnectTimeout: connectTimeout}
	return dialFuncOrError(d.GetDialFunc(true))
}

// dialFuncOrError turns a GetDialFunc failure into a dial function
// reporting that failure, so helper constructors keep a single return
// value like the engine's own dialers.
func dialFuncOrError(dial fetch.DialFunc, err error) fetch.DialFunc {
	if err != nil {
		return func(addr string) (net.Conn, error) {
			return nil, err
		}
	}
	return dial
}
