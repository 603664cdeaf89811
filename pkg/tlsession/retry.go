package tlsession

import (
	"context"

	"golang.org/x/time/rate"

	"github.com/polisai/tlsession/pkg/engine"
)

// retryPolicy repeats an engine primitive while it reports a retry signal.
type retryPolicy struct {
	maxRetries int
	limiter    *rate.Limiter
}

func newRetryPolicy(o options) retryPolicy {
	return retryPolicy{maxRetries: o.maxRetries, limiter: o.limiter}
}

// drive invokes fn until it returns a status other than StatusWantRead or
// StatusWantWrite and returns that status along with the number of retry
// signals absorbed. The loop is unbounded unless maxRetries is set; ctx is
// checked between attempts. A non-nil error means the loop was aborted and
// the returned status is the last retry signal seen.
func (p retryPolicy) drive(ctx context.Context, fn func() engine.Status) (engine.Status, int, error) {
	retries := 0
	for {
		st := fn()
		if !st.Retry() {
			return st, retries, nil
		}
		retries++
		if p.maxRetries > 0 && retries > p.maxRetries {
			return st, retries, ErrRetryLimitExceeded
		}
		if err := ctx.Err(); err != nil {
			return st, retries, err
		}
		if p.limiter != nil {
			if err := p.limiter.Wait(ctx); err != nil {
				return st, retries, err
			}
		}
	}
}

// RetryUntilSettled is the standalone form of the retry loop used by every
// negotiating operation. It calls fn until fn returns a status that is not
// a retry signal and returns that status.
func RetryUntilSettled(ctx context.Context, fn func() engine.Status, opts ...Option) (engine.Status, error) {
	st, _, err := newRetryPolicy(resolveOptions(opts...)).drive(ctx, fn)
	return st, err
}
