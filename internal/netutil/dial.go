package netutil

import (
	"context"
	"net"
	"time"

	log "github.com/sirupsen/logrus"
)

// DialWithRetry dials network/address, retrying with the given interval
// until it succeeds or ctx is canceled. Used by the client engine's
// connect-with-retry startup step; driven by context cancellation rather
// than a wall-clock timeout, so the caller controls when to give up.
func DialWithRetry(ctx context.Context, network, address string, interval time.Duration) (net.Conn, error) {
	var dialer net.Dialer
	for {
		conn, err := dialer.DialContext(ctx, network, address)
		if err == nil {
			return conn, nil
		}
		log.WithError(err).WithField("address", address).Debug("netutil: dial failed, retrying")
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(interval):
		}
	}
}
