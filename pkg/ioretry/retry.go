/*
 * Copyright (c) 2020. Ant Group. All rights reserved.
 *
 * SPDX-License-Identifier: Apache-2.0
 */

// Package ioretry backs off and retries the kind of transient failure a
// device backend surfaces — a host file briefly locked, a tap device not
// yet up. Under the default RetryIf only an error wrapped with
// Unrecoverable ends the retries early; any other error, fatal kinds
// such as BadDescriptor or Invariant included, is retried up to the
// attempt limit.
package ioretry

import (
	"math/rand"
	"time"

	"github.com/hashicorp/go-multierror"
)

// RetryableFunc is the operation being retried.
type RetryableFunc func() error

var (
	DefaultAttempts      = uint(10)
	DefaultDelayMS       = 100 * time.Millisecond
	DefaultMaxJitterMS   = 100 * time.Millisecond
	DefaultOnRetry       = func(n uint, err error) {}
	DefaultRetryIf       = IsRecoverable
	DefaultDelayType     = CombineDelay(BackOffDelay, RandomDelay)
	DefaultLastErrorOnly = false
)

type RetryIfFunc func(error) bool
type OnRetryFunc func(n uint, err error)
type DelayTypeFunc func(n uint, config *Config) time.Duration

type Config struct {
	onRetry       OnRetryFunc
	retryIf       RetryIfFunc
	delayType     DelayTypeFunc
	delay         time.Duration
	maxDelay      time.Duration
	maxJitter     time.Duration
	attempts      uint
	lastErrorOnly bool
}

// Option represents an option for retry.
type Option func(*Config)

func LastErrorOnly(lastErrorOnly bool) Option {
	return func(c *Config) { c.lastErrorOnly = lastErrorOnly }
}

func Attempts(attempts uint) Option {
	return func(c *Config) { c.attempts = attempts }
}

func Delay(delay time.Duration) Option {
	return func(c *Config) { c.delay = delay }
}

func MaxDelay(maxDelay time.Duration) Option {
	return func(c *Config) { c.maxDelay = maxDelay }
}

func MaxJitter(maxJitter time.Duration) Option {
	return func(c *Config) { c.maxJitter = maxJitter }
}

func DelayType(delayType DelayTypeFunc) Option {
	return func(c *Config) { c.delayType = delayType }
}

// BackOffDelay is a DelayType which increases delay between consecutive retries.
func BackOffDelay(n uint, config *Config) time.Duration {
	return config.delay * (1 << n)
}

// FixedDelay is a DelayType which keeps delay the same through all iterations.
func FixedDelay(_ uint, config *Config) time.Duration {
	return config.delay
}

// RandomDelay is a DelayType which picks a random delay up to config.maxJitter.
func RandomDelay(_ uint, config *Config) time.Duration {
	if config.maxJitter <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(config.maxJitter)))
}

// CombineDelay combines all of the specified delays into a new DelayTypeFunc.
func CombineDelay(delays ...DelayTypeFunc) DelayTypeFunc {
	return func(n uint, config *Config) time.Duration {
		var total time.Duration
		for _, delay := range delays {
			total += delay(n, config)
		}
		return total
	}
}

func OnRetry(onRetry OnRetryFunc) Option {
	return func(c *Config) { c.onRetry = onRetry }
}

// RetryIf controls whether a retry should be attempted after an error.
// By default RetryIf stops execution if the error is wrapped using
// Unrecoverable, e.g. a device backend returning vmerrors.BadDescriptor:
//
//	ioretry.Do(func() error {
//		if corrupt {
//			return ioretry.Unrecoverable(vmerrors.ErrRingCorrupt)
//		}
//		return backend.Submit(req)
//	})
func RetryIf(retryIf RetryIfFunc) Option {
	return func(c *Config) { c.retryIf = retryIf }
}

// Do runs retryableFunc, backing off between attempts, until it succeeds,
// an unrecoverable error is returned, or attempts are exhausted.
func Do(retryableFunc RetryableFunc, opts ...Option) error {
	config := &Config{
		attempts:      DefaultAttempts,
		delay:         DefaultDelayMS,
		maxJitter:     DefaultMaxJitterMS,
		onRetry:       DefaultOnRetry,
		retryIf:       DefaultRetryIf,
		delayType:     DefaultDelayType,
		lastErrorOnly: DefaultLastErrorOnly,
	}
	for _, opt := range opts {
		opt(config)
	}

	var errs *multierror.Error
	var lastErr error

	for n := uint(0); n < config.attempts; n++ {
		err := retryableFunc()
		if err == nil {
			return nil
		}

		cause := unpackUnrecoverable(err)
		lastErr = cause
		errs = multierror.Append(errs, cause)

		if !config.retryIf(err) {
			break
		}

		config.onRetry(n, err)

		if n == config.attempts-1 {
			break
		}

		delayTime := config.delayType(n, config)
		if config.maxDelay > 0 && delayTime > config.maxDelay {
			delayTime = config.maxDelay
		}
		time.Sleep(delayTime)
	}

	if config.lastErrorOnly {
		return lastErr
	}
	return errs.ErrorOrNil()
}

type unrecoverableError struct {
	error
}

// Unrecoverable wraps an error so Do() stops retrying immediately.
func Unrecoverable(err error) error {
	return unrecoverableError{err}
}

// IsRecoverable reports whether err was not wrapped with Unrecoverable.
func IsRecoverable(err error) bool {
	_, isUnrecoverable := err.(unrecoverableError)
	return !isUnrecoverable
}

func unpackUnrecoverable(err error) error {
	if unrecoverable, isUnrecoverable := err.(unrecoverableError); isUnrecoverable {
		return unrecoverable.error
	}
	return err
}
