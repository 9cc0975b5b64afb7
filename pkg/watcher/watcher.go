// Package watcher owns the email processing loop: poll cadence, message
// dispatch, deduplication, archival, connection lifecycle and the outer
// retry/backoff state machine around the whole mailbox session.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/rs/zerolog"

	"github.com/roy-adler/Netflix-VerifyBot/pkg/logging"
	"github.com/roy-adler/Netflix-VerifyBot/pkg/mailbox"
	"github.com/roy-adler/Netflix-VerifyBot/pkg/reliability"
)

// clearProcessedEvery bounds the in-memory dedup set: it is dropped
// wholesale every N poll cycles. Already-archived mail no longer shows
// up in fetch results, so the reprocessing window this opens is narrow.
const clearProcessedEvery = 100

// MailSession is the slice of a mailbox connection the loop consumes.
type MailSession interface {
	Fetch(ctx context.Context) ([]mailbox.Message, error)
	Move(ctx context.Context, uid imap.UID, folder string) error
	Logout() error
	Age() time.Duration
}

// DialFunc establishes a fresh mailbox session.
type DialFunc func(ctx context.Context) (MailSession, error)

// Scraper performs the browser-driven link interactions.
type Scraper interface {
	ReadCode(ctx context.Context, url string) (string, error)
	ClickConfirm(ctx context.Context, url string) (bool, error)
}

// Notifier receives operator-visible log lines.
type Notifier interface {
	Debug(msg string)
	Info(msg string)
	Warn(msg string)
	Error(msg string)
}

// Config holds the loop cadence and thresholds.
type Config struct {
	// CheckInterval is the pause between poll cycles and the backoff base.
	CheckInterval time.Duration
	// StaleAfter is the age past which a read message is archived unseen.
	StaleAfter time.Duration
	// MaxAttempts bounds consecutive failed session attempts.
	MaxAttempts int
	// RefreshAfter is the connection age that forces a voluntary reconnect.
	RefreshAfter time.Duration
	// ArchiveFolder is where handled messages are moved.
	ArchiveFolder string
}

// Watcher runs the processing loop. All mutable state (dedup set, retry
// counter, cycle counter) lives here; there are no package-level globals.
// A Watcher is driven by a single goroutine.
type Watcher struct {
	cfg     Config
	dial    DialFunc
	scraper Scraper
	notify  Notifier
	log     zerolog.Logger

	processed map[string]struct{}
	cycles    int
	attempts  int
	backoff   reliability.RetryConfig

	// Injection points for tests.
	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

// New creates a Watcher.
func New(cfg Config, dial DialFunc, scraper Scraper, notify Notifier, log zerolog.Logger) *Watcher {
	return &Watcher{
		cfg:       cfg,
		dial:      dial,
		scraper:   scraper,
		notify:    notify,
		log:       log.With().Str("component", "watcher").Logger(),
		processed: make(map[string]struct{}),
		backoff:   reliability.SessionRetryConfig(cfg.MaxAttempts, cfg.CheckInterval),
		sleep:     sleepCtx,
		now:       time.Now,
	}
}

// Run drives session attempts until the context is cancelled or the
// retry budget is exhausted. Exhaustion is a graceful stop, not an
// error: the caller exits 0 so a supervisor does not restart the bot
// into a retry storm.
func (w *Watcher) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		err := w.attemptSession(ctx)
		if err == nil {
			// Clean session end: voluntary refresh or shutdown.
			w.attempts = 0
			continue
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil
		}

		w.attempts++
		category := reliability.CategorizeError(err)
		w.notify.Error(fmt.Sprintf("Session attempt %d/%d failed (%s): %v",
			w.attempts, w.cfg.MaxAttempts, category, err))

		if w.attempts >= w.cfg.MaxAttempts {
			w.notify.Error(fmt.Sprintf("Maximum retry attempts (%d) reached, shutting down gracefully", w.cfg.MaxAttempts))
			w.notify.Error("Stopping to prevent retry storms and notification spam")
			return nil
		}

		wait := w.backoff.Delay(w.attempts)
		w.notify.Info(fmt.Sprintf("Retrying in %s", wait))
		if err := w.sleep(ctx, wait); err != nil {
			return nil
		}
	}
}

// attemptSession opens one mailbox session and polls it until the
// connection ages out (clean return), the context ends (clean return),
// or a poll cycle fails (error return, one failed attempt). The session
// is logged out on every exit path.
func (w *Watcher) attemptSession(ctx context.Context) error {
	sess, err := w.dial(ctx)
	if err != nil {
		return err
	}
	defer sess.Logout()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		if w.cfg.RefreshAfter > 0 && sess.Age() >= w.cfg.RefreshAfter {
			w.log.Info().Dur("age", sess.Age()).Msg("Connection reached refresh threshold, reconnecting")
			return nil
		}

		if err := w.pollOnce(ctx, sess); err != nil {
			category := reliability.CategorizeError(err)
			w.notify.Error(fmt.Sprintf("Error in poll cycle (%s): %v", category, err))
			// One settling pause before the session is torn down and
			// counted as a failed attempt.
			_ = w.sleep(ctx, w.cfg.CheckInterval)
			return err
		}

		w.cycles++
		if w.cycles >= clearProcessedEvery {
			w.processed = make(map[string]struct{})
			w.cycles = 0
			w.log.Debug().Msg("Cleared processed message cache")
		}

		if err := w.sleep(ctx, w.cfg.CheckInterval); err != nil {
			return err
		}
	}
}

// pollOnce runs one fetch-and-classify pass. A failure on one message
// never aborts the batch; only the fetch itself is fatal to the cycle.
func (w *Watcher) pollOnce(ctx context.Context, sess MailSession) error {
	w.log.Debug().Msg("Checking for new messages")

	msgs, err := sess.Fetch(ctx)
	if err != nil {
		return fmt.Errorf("fetching messages: %w", err)
	}

	now := w.now()
	for i := range msgs {
		if err := w.dispatch(ctx, sess, msgs[i], now); err != nil {
			w.notify.Warn(fmt.Sprintf("Error processing message %q: %v",
				logging.BoundAndClean(msgs[i].Subject, 120), err))
		}
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
