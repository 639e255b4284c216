package crawler

import (
	"context"
	"time"
)

// PersistTimeout bounds sink writes made after a run has been cancelled or has
// expired.
const PersistTimeout = 30 * time.Second

// Detach returns a context carrying ctx's values but not its cancellation,
// bounded by timeout instead.
func Detach(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), timeout)
}
