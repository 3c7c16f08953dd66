//go:build linux

package rawendpoint

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// reconnectMaxElapsed bounds how long the receive loop keeps retrying
// before giving up on a fatal read error and stopping the receive loop.
const reconnectMaxElapsed = 30 * time.Second

// reconnectInterval is the fixed delay between reconnect attempts. A raw
// socket failure is almost always "interface went down/came back", not a
// condition that benefits from exponential backoff, so this uses
// backoff.NewConstantBackOff.
const reconnectInterval = 500 * time.Millisecond

// reconnectWithBackoff calls fn repeatedly on a constant interval until it
// succeeds, ctx is done, or reconnectMaxElapsed has passed.
func reconnectWithBackoff(ctx context.Context, fn func() (Conn, error)) (Conn, error) {
	b := backoff.WithContext(backoff.NewConstantBackOff(reconnectInterval), ctx)

	var conn Conn
	op := func() error {
		c, err := fn()
		if err != nil {
			return err
		}
		conn = c
		return nil
	}
	if err := backoff.Retry(op, b); err != nil {
		return nil, err
	}
	return conn, nil
}
