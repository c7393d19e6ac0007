package fetchproxy

import (
	"encoding/base64"
	"net"
	"strings"

	"github.com/fetchkit/fetch"
)

// HTTP returns a fetch.DialFunc that opens tunnels through the provided
// HTTP proxy using the CONNECT method. The proxy may carry basic-auth
// credentials in userinfo form.
//
// Example usage:
//
//	c := &fetch.Client{
//		Dial: fetchproxy.HTTP("username:password@localhost:9050"),
//	}
func HTTP(proxyAddr string) fetch.DialFunc {
	var auth string
	if strings.Contains(proxyAddr, "@") {
		split := strings.SplitN(proxyAddr, "@", 2)
		auth = base64.StdEncoding.EncodeToString([]byte(split[0]))
		proxyAddr = split[1]
	}

	return func(addr string) (net.Conn, error) {
		conn, err := fetch.Dial(proxyAddr)
		if err != nil {
			return nil, err
		}
		if err := connectTunnel(conn, addr, proxyAddr, auth, 0); err != nil {
			_ = conn.Close()
			return nil, err
		}
		return conn, nil
	}
}
