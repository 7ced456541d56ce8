package forward

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"

	"golang.org/x/sync/errgroup"
)

type closeWriter interface {
	CloseWrite() error
}

// CopyBidirectional splices left and right until both directions reach EOF,
// either side fails, or ctx is canceled. EOF in one direction is passed on as
// a half-close where the destination supports it. Both conns are closed on
// return.
func CopyBidirectional(ctx context.Context, left, right net.Conn) error {
	g, gctx := errgroup.WithContext(ctx)

	var closeOnce sync.Once
	closeBoth := func() {
		closeOnce.Do(func() {
			_ = left.Close()
			_ = right.Close()
		})
	}
	defer closeBoth()

	done := make(chan struct{})
	var pending sync.WaitGroup
	pending.Add(2)
	go func() {
		pending.Wait()
		close(done)
	}()

	pipe := func(dst, src net.Conn) func() error {
		return func() error {
			defer pending.Done()
			_, err := io.Copy(dst, src)
			if cw, ok := dst.(closeWriter); ok && err == nil {
				_ = cw.CloseWrite()
			}
			return err
		}
	}
	g.Go(pipe(left, right))
	g.Go(pipe(right, left))

	// If the context is canceled or a copy fails, close both sides to unblock
	// the other Copy.
	g.Go(func() error {
		select {
		case <-gctx.Done():
			closeBoth()
		case <-done:
		}
		return nil
	})

	err := g.Wait()
	if errors.Is(err, net.ErrClosed) && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}
