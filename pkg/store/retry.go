package store

import (
	"context"
	"log/slog"
	"time"
)

// RetryPolicy bounds the retry loop around each remote storage call.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryPolicy matches the deployed defaults: three attempts, delays
// doubling from 200ms and capped at 2s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: 200 * time.Millisecond, MaxDelay: 2 * time.Second}
}

// Retrying decorates a Store with bounded exponential-backoff retry. It has
// no awareness of what each operation does; every call is attempted up to
// MaxAttempts times and the last error is returned after exhaustion.
type Retrying struct {
	inner  Store
	policy RetryPolicy
	logger *slog.Logger
	sleep  func(time.Duration)
}

// NewRetrying wraps inner with the given policy.
func NewRetrying(inner Store, policy RetryPolicy, logger *slog.Logger) *Retrying {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 1
	}
	if policy.BaseDelay <= 0 {
		policy.BaseDelay = 200 * time.Millisecond
	}
	if policy.MaxDelay <= 0 {
		policy.MaxDelay = 2 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Retrying{inner: inner, policy: policy, logger: logger, sleep: time.Sleep}
}

func (r *Retrying) do(ctx context.Context, op string, fn func() error) error {
	backoff := r.policy.BaseDelay
	var lastErr error
	for attempt := 1; attempt <= r.policy.MaxAttempts; attempt++ {
		if attempt > 1 {
			r.sleep(backoff)
			backoff = nextBackoff(backoff, r.policy.MaxDelay)
		}
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		r.logger.Warn("store call failed", "op", op, "attempt", attempt, "max_attempts", r.policy.MaxAttempts, "error", lastErr)
		if ctx.Err() != nil {
			return lastErr
		}
	}
	return lastErr
}

func nextBackoff(current, cap time.Duration) time.Duration {
	next := current * 2
	if next > cap {
		return cap
	}
	if next <= 0 {
		return cap
	}
	return next
}

func (r *Retrying) CreateOrGetUser(ctx context.Context, phone string) (*User, error) {
	var u *User
	err := r.do(ctx, "create_or_get_user", func() error {
		var err error
		u, err = r.inner.CreateOrGetUser(ctx, phone)
		return err
	})
	return u, err
}

func (r *Retrying) UpdateUserName(ctx context.Context, phone, name string) error {
	return r.do(ctx, "update_user_name", func() error {
		return r.inner.UpdateUserName(ctx, phone, name)
	})
}

func (r *Retrying) UpdateUserEmail(ctx context.Context, phone, email string) error {
	return r.do(ctx, "update_user_email", func() error {
		return r.inner.UpdateUserEmail(ctx, phone, email)
	})
}

func (r *Retrying) CreateConversation(ctx context.Context, phone, callID string) (*Conversation, error) {
	var c *Conversation
	err := r.do(ctx, "create_conversation", func() error {
		var err error
		c, err = r.inner.CreateConversation(ctx, phone, callID)
		return err
	})
	return c, err
}

func (r *Retrying) UpdateConversation(ctx context.Context, id string, upd ConversationUpdate) error {
	return r.do(ctx, "update_conversation", func() error {
		return r.inner.UpdateConversation(ctx, id, upd)
	})
}

func (r *Retrying) FinalizeConversation(ctx context.Context, id string, dialogue []DialogueTurn, summary string) error {
	return r.do(ctx, "finalize_conversation", func() error {
		return r.inner.FinalizeConversation(ctx, id, dialogue, summary)
	})
}

func (r *Retrying) GetLastConversation(ctx context.Context, phone string) (*Conversation, error) {
	var c *Conversation
	err := r.do(ctx, "get_last_conversation", func() error {
		var err error
		c, err = r.inner.GetLastConversation(ctx, phone)
		return err
	})
	return c, err
}

func (r *Retrying) CreateBooking(ctx context.Context, b *Booking) error {
	return r.do(ctx, "create_booking", func() error {
		return r.inner.CreateBooking(ctx, b)
	})
}

func (r *Retrying) UpdateBookingState(ctx context.Context, phone, state string) error {
	return r.do(ctx, "update_booking_state", func() error {
		return r.inner.UpdateBookingState(ctx, phone, state)
	})
}
