package orchestrate

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
)

// Policy bounds a single external call: a hard per-attempt deadline enforced
// here regardless of the dependency's own timeouts, and the backoff before
// the one permitted retry.
type Policy struct {
	Timeout      time.Duration
	RetryBackoff time.Duration
}

func DefaultPolicy() Policy {
	return Policy{Timeout: 30 * time.Second, RetryBackoff: 500 * time.Millisecond}
}

// Invoke runs call under the policy and always produces a usable value.
// A transient error is retried once after the backoff; a timeout or a second
// failure resolves to the fallback. Each attempt runs in its own goroutine so
// the deadline holds even when the callee ignores its context. The boolean
// reports whether the returned value came from the call rather than the
// fallback. Every attempt is logged with the battle id and latency.
func Invoke[T any](ctx context.Context, name, battleID string, p Policy, call func(context.Context) (T, error), fallback T) (T, bool) {
	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return fallback, false
			case <-time.After(p.RetryBackoff):
			}
		}

		actx, cancel := context.WithTimeout(ctx, p.Timeout)
		start := time.Now()
		var v T
		errc := make(chan error, 1)
		go func() {
			var err error
			v, err = call(actx)
			errc <- err
		}()

		var err error
		select {
		case err = <-errc:
		case <-actx.Done():
			// the attempt keeps running detached; its result is discarded
			err = actx.Err()
		}
		cancel()
		dur := time.Since(start)

		if err == nil {
			log.Info().Str("call", name).Str("battleId", battleID).
				Int("attempt", attempt+1).Dur("dur", dur).Msg("orchestrator call ok")
			return v, true
		}

		timedOut := errors.Is(err, context.DeadlineExceeded) || errors.Is(actx.Err(), context.DeadlineExceeded)
		log.Warn().Str("call", name).Str("battleId", battleID).
			Int("attempt", attempt+1).Dur("dur", dur).Bool("timeout", timedOut).
			Err(err).Msg("orchestrator call failed")

		// timeouts go straight to the fallback; only transient errors retry
		if timedOut {
			break
		}
	}
	log.Warn().Str("call", name).Str("battleId", battleID).Msg("orchestrator falling back")
	return fallback, false
}
