package safego

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Go launches a goroutine with panic recovery.
// If the goroutine panics, the panic value is logged and the goroutine exits
// cleanly instead of crashing the process.
//
// Usage:
//
//	safego.Go(logger, "close-sweep", func() {
//	    // work that might panic
//	})
func Go(logger *zap.Logger, name string, fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("Goroutine panicked",
					zap.String("goroutine", name),
					zap.Any("panic", r),
					zap.Stack("stack"),
				)
			}
		}()
		fn()
	}()
}

// Loop launches a periodic worker goroutine. fn runs once per tick until ctx
// is cancelled. A panicking tick is logged and the loop keeps running; the
// worker never takes the process down with it.
func Loop(ctx context.Context, logger *zap.Logger, name string, interval time.Duration, fn func(ctx context.Context)) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				runTick(ctx, logger, name, fn)
			}
		}
	}()
}

func runTick(ctx context.Context, logger *zap.Logger, name string, fn func(ctx context.Context)) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Worker tick panicked",
				zap.String("worker", name),
				zap.Any("panic", r),
				zap.Stack("stack"),
			)
		}
	}()
	fn(ctx)
}
