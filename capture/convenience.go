package capture

import (
	"context"
	"time"
)

// Silence captures work's own output and keeps it off the console.
func Silence(ctx context.Context, work Work, opts ...Option) (*Output, error) {
	return Sync(ctx, ScopeThread, Redirect, work, opts...)
}

// Tee captures work's own output and still writes it to the console.
func Tee(ctx context.Context, work Work, opts ...Option) (*Output, error) {
	return Sync(ctx, ScopeThread, Copy, work, opts...)
}

// SilenceAll captures output from every writer while work runs and keeps
// it off the console.
func SilenceAll(ctx context.Context, work Work, opts ...Option) (*Output, error) {
	return Sync(ctx, ScopeAll, Redirect, work, opts...)
}

// TeeAll captures output from every writer while work runs and still
// writes it to the console.
func TeeAll(ctx context.Context, work Work, opts ...Option) (*Output, error) {
	return Sync(ctx, ScopeAll, Copy, work, opts...)
}

func SilenceAsync(ctx context.Context, work Work, maxWait time.Duration, opts ...Option) (*Ongoing, error) {
	return Async(ctx, ScopeThread, Redirect, work, maxWait, opts...)
}

func TeeAsync(ctx context.Context, work Work, maxWait time.Duration, opts ...Option) (*Ongoing, error) {
	return Async(ctx, ScopeThread, Copy, work, maxWait, opts...)
}

func SilenceAllAsync(ctx context.Context, work Work, maxWait time.Duration, opts ...Option) (*Ongoing, error) {
	return Async(ctx, ScopeAll, Redirect, work, maxWait, opts...)
}

func TeeAllAsync(ctx context.Context, work Work, maxWait time.Duration, opts ...Option) (*Ongoing, error) {
	return Async(ctx, ScopeAll, Copy, work, maxWait, opts...)
}
