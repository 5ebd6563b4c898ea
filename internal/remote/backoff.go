package remote

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/rs/zerolog/log"
)

// NextBackoffDelay returns the retry delay for attempt N (1-based).
func NextBackoffDelay(cfg BackoffConfig, attempt int, rng *rand.Rand) time.Duration {
	if attempt <= 1 {
		return cfg.InitialDelay
	}
	if cfg.InitialDelay <= 0 {
		return 0
	}
	if cfg.Multiplier < 1.0 {
		cfg.Multiplier = 1.0
	}
	delay := float64(cfg.InitialDelay) * math.Pow(cfg.Multiplier, float64(attempt-1))
	if cfg.MaxDelay > 0 && delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}
	if cfg.Jitter {
		f := 0.5
		if rng != nil {
			f = 0.5 + rng.Float64()
		}
		delay = delay * f
	}
	return time.Duration(delay)
}

// backoffRand returns a jitter source for one reconnect sequence. *rand.Rand is not safe for
// concurrent use, and tails reconnect outside the exchange lock.
func backoffRand() *rand.Rand {
	return rand.New(rand.NewSource(time.Now().UnixNano()))
}

func sleepBackoff(ctx context.Context, cfg BackoffConfig, attempt int, rng *rand.Rand) error {
	delay := NextBackoffDelay(cfg, attempt, rng)
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// withReconnect runs op and, while it fails on a broken connection, reconnects and replays it
// at most cfg.ReconnectAttempts times. Failures wrapped in startedError trigger a reconnect for
// the benefit of later operations but are not replayed.
func withReconnect(
	ctx context.Context,
	cfg Config,
	rng *rand.Rand,
	name string,
	reconnect func(context.Context) error,
	op func() error,
) error {
	attempt := 0
	for {
		err := op()
		if err == nil {
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if !isBrokenConn(err) {
			return err
		}

		var started startedError
		replay := !errors.As(err, &started)
		attempt++
		if attempt > cfg.ReconnectAttempts {
			return wrapSession(name, err)
		}
		log.Warn().Str("op", name).Int("attempt", attempt).Err(err).Msg("remote.session reconnect")
		if err := sleepBackoff(ctx, cfg.Backoff, attempt, rng); err != nil {
			return err
		}
		if rerr := reconnect(ctx); rerr != nil {
			return wrapSession(name, rerr)
		}
		if !replay {
			return wrapSession(name, err)
		}
	}
}

func wrapSession(name string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrSession, name, err)
}
