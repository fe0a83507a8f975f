package netutil

import "net"

// Listen opens network/address for syncd-server's accept loop. It is a
// thin wrapper so callers have one place to add listener setup (e.g.
// socket options) without reaching into net directly.
func Listen(network string, address string) (net.Listener, error) {
	return net.Listen(network, address)
}
