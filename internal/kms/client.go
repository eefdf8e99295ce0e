package kms

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/kenneth/document-vault/internal/crypto"
)

// Observer receives one call per key service operation.
type Observer interface {
	ObserveKMSOperation(provider, operation string, duration time.Duration, err error)
}

// ClientOptions configures a Client.
type ClientOptions struct {
	// Timeout bounds each key service call. Zero means 10s.
	Timeout time.Duration
	// MaxInFlight bounds concurrent key service calls. Zero means 64.
	MaxInFlight int64
	Observer    Observer
	Logger      logrus.FieldLogger
}

// Client is the vault's view of the key service. It bounds concurrency and
// latency of provider calls, validates returned key material and converts
// wrapped keys to and from their stored form.
type Client struct {
	km       KeyManager
	timeout  time.Duration
	sem      *semaphore.Weighted
	observer Observer
	logger   logrus.FieldLogger
}

// NewClient wraps km.
func NewClient(km KeyManager, opts ClientOptions) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.MaxInFlight <= 0 {
		opts.MaxInFlight = 64
	}
	if opts.Logger == nil {
		l := logrus.New()
		l.SetLevel(logrus.WarnLevel)
		opts.Logger = l
	}
	return &Client{
		km:       km,
		timeout:  opts.Timeout,
		sem:      semaphore.NewWeighted(opts.MaxInFlight),
		observer: opts.Observer,
		logger:   opts.Logger.WithField("provider", km.Provider()),
	}
}

// Provider returns the underlying provider name.
func (c *Client) Provider() string { return c.km.Provider() }

// GenerateDataKey returns a fresh data key and its stored envelope. The
// caller owns the key and must Destroy it.
func (c *Client) GenerateDataKey(ctx context.Context) (*crypto.Key, []byte, error) {
	type generated struct {
		plaintext []byte
		wrapped   *WrappedKey
	}
	res, err := call(ctx, c, "generate_data_key",
		func(ctx context.Context) (generated, error) {
			p, w, err := c.km.GenerateDataKey(ctx)
			return generated{p, w}, err
		},
		func(g generated) { crypto.Zeroize(g.plaintext) },
	)
	if err != nil {
		return nil, nil, err
	}

	key, err := crypto.NewKey(res.plaintext)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrGenerationFailed, err)
	}
	if res.wrapped != nil && res.wrapped.Provider == "" {
		res.wrapped.Provider = c.km.Provider()
	}
	blob, err := res.wrapped.Marshal()
	if err != nil {
		key.Destroy()
		return nil, nil, err
	}
	return key, blob, nil
}

// UnwrapDataKey decodes a stored envelope and unwraps it. No key is returned
// unless the full key was recovered.
func (c *Client) UnwrapDataKey(ctx context.Context, stored []byte) (*crypto.Key, error) {
	wrapped, err := ParseWrappedKey(stored)
	if err != nil {
		return nil, err
	}
	if wrapped.Provider != c.km.Provider() {
		return nil, fmt.Errorf("%w: envelope from provider %q, client uses %q", ErrInvalidWrappedKey, wrapped.Provider, c.km.Provider())
	}

	plaintext, err := call(ctx, c, "unwrap_data_key",
		func(ctx context.Context) ([]byte, error) { return c.km.UnwrapDataKey(ctx, wrapped) },
		crypto.Zeroize,
	)
	if err != nil {
		return nil, err
	}
	key, err := crypto.NewKey(plaintext)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidWrappedKey, err)
	}
	return key, nil
}

// HealthCheck verifies the key service is reachable.
func (c *Client) HealthCheck(ctx context.Context) error {
	_, err := call(ctx, c, "health_check",
		func(ctx context.Context) (struct{}, error) { return struct{}{}, c.km.HealthCheck(ctx) },
		nil,
	)
	return err
}

// Close releases the provider.
func (c *Client) Close(ctx context.Context) error { return c.km.Close(ctx) }

// call runs fn under the client's concurrency bound and timeout. If the
// deadline passes first the caller gets ErrUnavailable immediately and any
// late result is handed to discard.
func call[T any](ctx context.Context, c *Client, op string, fn func(context.Context) (T, error), discard func(T)) (T, error) {
	var zero T
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if err := c.sem.Acquire(ctx, 1); err != nil {
		err = fmt.Errorf("%w: waiting for a key service slot: %w", ErrUnavailable, err)
		c.observe(op, start, err)
		return zero, err
	}

	type result struct {
		v   T
		err error
	}
	done := make(chan result, 1)
	go func() {
		defer c.sem.Release(1)
		v, err := fn(ctx)
		done <- result{v, err}
	}()

	select {
	case r := <-done:
		if r.err != nil && ctx.Err() != nil && !errors.Is(r.err, ErrUnavailable) {
			r.err = fmt.Errorf("%w: %s: %w", ErrUnavailable, op, ctx.Err())
		}
		c.observe(op, start, r.err)
		if r.err != nil {
			return zero, r.err
		}
		return r.v, nil
	case <-ctx.Done():
		if discard != nil {
			go func() {
				if r := <-done; r.err == nil {
					discard(r.v)
				}
			}()
		}
		err := fmt.Errorf("%w: %s: %w", ErrUnavailable, op, ctx.Err())
		c.observe(op, start, err)
		return zero, err
	}
}

func (c *Client) observe(op string, start time.Time, err error) {
	d := time.Since(start)
	if c.observer != nil {
		c.observer.ObserveKMSOperation(c.km.Provider(), op, d, err)
	}
	entry := c.logger.WithFields(logrus.Fields{
		"operation":   op,
		"duration_ms": d.Milliseconds(),
	})
	if err != nil {
		entry.WithError(err).Warn("Key service call failed")
		return
	}
	entry.Debug("Key service call completed")
}
