package ws

import (
	"crypto/tls"
	"fmt"
	"net"
	"net/url"
)

// Client is the outbound side of a WebSocket connection. It embeds Endpoint
// and therefore masks every frame it sends.
type Client struct {
	Endpoint
}

// Connect dials a ws:// or wss:// URL and queues the upgrade request. The
// handshake completes during subsequent Pump rounds; the endpoint reaches
// StateOpen once the 101 response has been validated.
//
// insecureTLS skips certificate verification, for endpoints serving
// self-signed localhost certificates.
func (c *Client) Connect(rawURL string, insecureTLS bool) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("ws: parse url %q: %w", rawURL, err)
	}

	var useTLS bool
	switch u.Scheme {
	case "ws":
	case "wss":
		useTLS = true
	default:
		return fmt.Errorf("ws: unsupported scheme %q", u.Scheme)
	}

	host := u.Host
	if u.Port() == "" {
		if useTLS {
			host = net.JoinHostPort(u.Hostname(), "443")
		} else {
			host = net.JoinHostPort(u.Hostname(), "80")
		}
	}
	path := u.Path
	if path == "" {
		path = "/"
	}

	conn, err := net.Dial("tcp", host)
	if err != nil {
		return fmt.Errorf("ws: dial %s: %w", host, err)
	}
	if useTLS {
		conn = tls.Client(conn, &tls.Config{
			ServerName:         u.Hostname(),
			InsecureSkipVerify: insecureTLS,
		})
	}

	ep := newClientEndpoint(conn, u.Host, path)
	ep.WhenText = c.WhenText
	ep.WhenBinary = c.WhenBinary
	ep.WhenClose = c.WhenClose
	ep.WhenError = c.WhenError
	c.Endpoint = *ep
	return nil
}
