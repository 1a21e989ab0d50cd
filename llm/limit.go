package llm

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"
)

// RateLimited spaces calls to the wrapped completer to at most perMinute per minute.
type RateLimited struct {
	next    Completer
	limiter *rate.Limiter
}

// NewRateLimited wraps next. A non-positive perMinute disables limiting.
func NewRateLimited(next Completer, perMinute int) *RateLimited {
	limit := rate.Inf
	if perMinute > 0 {
		limit = rate.Every(time.Minute / time.Duration(perMinute))
	}
	return &RateLimited{
		next:    next,
		limiter: rate.NewLimiter(limit, 1),
	}
}

// Complete waits for a slot, or for ctx to end, before delegating.
func (r *RateLimited) Complete(ctx context.Context, prompt string, maxTokens int) (Response, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return Response{}, fmt.Errorf("rate limit wait: %w", err)
	}
	return r.next.Complete(ctx, prompt, maxTokens)
}
