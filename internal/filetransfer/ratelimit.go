package filetransfer

import (
	"context"
	"io"

	"golang.org/x/time/rate"
)

// burstSize matches one frame payload so a limited transfer still
// fills whole frames.
const burstSize = 16 * 1024

// RateLimitedReader wraps an io.Reader with a token-bucket limiter
// capping read throughput at bytesPerSecond.
type RateLimitedReader struct {
	r       io.Reader
	limiter *rate.Limiter
	ctx     context.Context
}

// NewRateLimitedReader returns r unchanged when bytesPerSecond <= 0.
func NewRateLimitedReader(ctx context.Context, r io.Reader, bytesPerSecond int64) io.Reader {
	if bytesPerSecond <= 0 {
		return r
	}
	return &RateLimitedReader{
		r:       r,
		limiter: rate.NewLimiter(rate.Limit(bytesPerSecond), burstSize),
		ctx:     ctx,
	}
}

func (r *RateLimitedReader) Read(p []byte) (int, error) {
	select {
	case <-r.ctx.Done():
		return 0, r.ctx.Err()
	default:
	}

	n, err := r.r.Read(p)
	if n <= 0 {
		return n, err
	}

	// WaitN blocks until n tokens accumulate or the context ends.
	if waitErr := r.limiter.WaitN(r.ctx, n); waitErr != nil {
		return n, waitErr
	}
	return n, err
}

// RateLimitedWriter wraps an io.Writer with a token-bucket limiter
// capping write throughput at bytesPerSecond.
type RateLimitedWriter struct {
	w       io.Writer
	limiter *rate.Limiter
	ctx     context.Context
}

// NewRateLimitedWriter returns w unchanged when bytesPerSecond <= 0.
func NewRateLimitedWriter(ctx context.Context, w io.Writer, bytesPerSecond int64) io.Writer {
	if bytesPerSecond <= 0 {
		return w
	}
	return &RateLimitedWriter{
		w:       w,
		limiter: rate.NewLimiter(rate.Limit(bytesPerSecond), burstSize),
		ctx:     ctx,
	}
}

func (w *RateLimitedWriter) Write(p []byte) (int, error) {
	select {
	case <-w.ctx.Done():
		return 0, w.ctx.Err()
	default:
	}

	if err := w.limiter.WaitN(w.ctx, len(p)); err != nil {
		return 0, err
	}
	return w.w.Write(p)
}
