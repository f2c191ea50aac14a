package ble

import "context"

// awaitConnect runs connect in the background and waits for it or for ctx.
// When ctx ends first, a connection that still succeeds afterwards is passed
// to release so it does not stay up unowned.
func awaitConnect[D any](ctx context.Context, connect func() (D, error), release func(D)) (D, error) {
	type result struct {
		dev D
		err error
	}
	ch := make(chan result, 1)
	go func() {
		dev, err := connect()
		ch <- result{dev, err}
	}()

	select {
	case res := <-ch:
		return res.dev, res.err
	case <-ctx.Done():
		go func() {
			if res := <-ch; res.err == nil {
				release(res.dev)
			}
		}()
		var zero D
		return zero, ctx.Err()
	}
}
