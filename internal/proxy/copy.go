package proxy

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"

	"golang.org/x/sync/errgroup"
)

// relayBufferSize is the size of each pooled relay buffer.
const relayBufferSize = 32 << 10

var relayBuffers = NewBufferPool(relayBufferSize)

// CopyBidirectional relays between left and right until either direction
// ends, then closes both. Canceling ctx closes both as well. It returns the
// bytes copied left to right and right to left.
//
// Writes block until the peer accepts the bytes, which stalls the reader of
// that direction; nothing is buffered beyond one pooled buffer.
func CopyBidirectional(ctx context.Context, left, right net.Conn) (sent, received int64, err error) {
	g, gctx := errgroup.WithContext(ctx)

	var closeOnce sync.Once
	closeBoth := func() {
		closeOnce.Do(func() {
			_ = left.Close()
			_ = right.Close()
		})
	}
	defer closeBoth()

	g.Go(func() error {
		defer closeBoth()
		n, err := copyBuffer(right, left)
		sent = n
		return err
	})

	g.Go(func() error {
		defer closeBoth()
		n, err := copyBuffer(left, right)
		received = n
		return err
	})

	// If the context is canceled, ensure we close both sides to unblock Copy.
	stop := context.AfterFunc(gctx, closeBoth)
	defer stop()

	err = g.Wait()
	return sent, received, err
}

func copyBuffer(dst io.Writer, src io.Reader) (int64, error) {
	buf := relayBuffers.Get()
	defer relayBuffers.Put(buf)

	// Hide ReaderFrom/WriterTo so the pooled buffer is what bounds the
	// bytes in flight.
	n, err := io.CopyBuffer(struct{ io.Writer }{dst}, struct{ io.Reader }{src}, buf)
	if errors.Is(err, net.ErrClosed) {
		// The other direction finished first and closed us.
		err = nil
	}
	return n, err
}
