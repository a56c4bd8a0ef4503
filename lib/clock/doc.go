// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock lets the connection core schedule retries, sweeps, and
// flushes against an injectable time source. Production code uses
// Real(); tests use Fake() and move time explicitly with Advance.
//
// # Wiring Pattern
//
// Components take a Clock in their config and default it when unset:
//
//	type Config struct {
//	    Clock clock.Clock
//	}
//
//	if config.Clock == nil {
//	    config.Clock = clock.Real()
//	}
//
// Tests inject a fake and wait for the component to park on it before
// moving time forward:
//
//	fake := clock.Fake(time.Unix(0, 0))
//	supervisor, err := session.New(session.Config{Clock: fake, ...})
//	fake.WaitForTimers(1)
//	fake.Advance(5 * time.Second)
//
// Advance fires every waiter whose deadline has passed before it
// returns. WaitForTimers blocks until at least n waiters are pending,
// which is the only ordering guarantee a test needs: never sleep on the
// wall clock to let a goroutine reach its timer.
package clock
