package stream

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/devlongs/mev-searcher/pkg/types"
)

// ErrReconnectExhausted is returned by Run once the reconnect budget is spent
var ErrReconnectExhausted = errors.New("stream: reconnect attempts exhausted")

// Source opens connections to a pending-transaction feed
type Source interface {
	Name() string
	Subscribe(ctx context.Context) (Subscription, error)
}

// Subscription is one live connection. Next blocks until a transaction
// arrives or the connection fails.
type Subscription interface {
	Next() (types.PendingTx, error)
	Close() error
}

// Config controls connect timeouts and reconnect backoff
type Config struct {
	BaseDelay      time.Duration
	MaxReconnects  int
	ConnectTimeout time.Duration
}

// Listener keeps a Source connected and forwards its transactions
type Listener struct {
	src   Source
	cfg   Config
	sleep func(ctx context.Context, d time.Duration) error

	// OnReconnect is called before each reconnect wait
	OnReconnect func(attempt int, delay time.Duration)
}

// NewListener creates a listener for src
func NewListener(src Source, cfg Config) *Listener {
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = time.Second
	}
	return &Listener{src: src, cfg: cfg, sleep: sleepCtx}
}

// Run delivers transactions to out until ctx is cancelled (nil) or
// MaxReconnects consecutive reconnects fail (ErrReconnectExhausted).
// Sends to out block, so a full channel stalls the feed.
func (l *Listener) Run(ctx context.Context, out chan<- types.PendingTx) error {
	failures := 0
	for {
		err := l.session(ctx, out, &failures)
		if ctx.Err() != nil {
			return nil
		}

		if failures >= l.cfg.MaxReconnects {
			return fmt.Errorf("%w after %d attempts: %v", ErrReconnectExhausted, failures, err)
		}

		delay := l.cfg.BaseDelay << failures
		failures++

		log.Warn().
			Err(err).
			Str("source", l.src.Name()).
			Int("attempt", failures).
			Int("max", l.cfg.MaxReconnects).
			Dur("delay", delay).
			Msg("Stream disconnected, reconnecting...")

		if l.OnReconnect != nil {
			l.OnReconnect(failures, delay)
		}
		if err := l.sleep(ctx, delay); err != nil {
			return nil
		}
	}
}

// session connects once and pumps until the connection drops. A successful
// connect resets the failure count.
func (l *Listener) session(ctx context.Context, out chan<- types.PendingTx, failures *int) error {
	dialCtx := ctx
	if l.cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, l.cfg.ConnectTimeout)
		defer cancel()
	}

	sub, err := l.src.Subscribe(dialCtx)
	if err != nil {
		return fmt.Errorf("connect %s: %w", l.src.Name(), err)
	}
	defer sub.Close()

	*failures = 0
	log.Info().Str("source", l.src.Name()).Msg("Subscribed to pending transactions")

	stop := context.AfterFunc(ctx, func() { sub.Close() })
	defer stop()

	for {
		tx, err := sub.Next()
		if err != nil {
			return err
		}
		select {
		case out <- tx:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
