package watcher

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/roy-adler/Netflix-VerifyBot/pkg/extract"
	"github.com/roy-adler/Netflix-VerifyBot/pkg/logging"
	"github.com/roy-adler/Netflix-VerifyBot/pkg/mailbox"
)

// Netflix link prefixes. The marker constants classify a message body;
// the url constants anchor the link extraction.
const (
	markerAccountAccess  = "accountaccess"
	markerTravelVerify   = "travel/verify"
	markerUpdateLocation = "update-primary-location"

	urlAccountAccess  = "https://www.netflix.com/accountaccess"
	urlTravelVerify   = "https://www.netflix.com/account/travel/verify"
	urlUpdateLocation = "https://www.netflix.com/account/update-primary-location"
)

// dispatch classifies and handles one message. Rules run in fixed order
// and the first match wins: dedup check, stale-and-read archival, then
// the three Netflix link types. Messages matching nothing are left
// untouched and unfingerprinted so the next poll sees them again. The
// fingerprint is recorded only after a message was fully handled.
func (w *Watcher) dispatch(ctx context.Context, sess MailSession, msg mailbox.Message, now time.Time) error {
	fp := msg.Fingerprint()
	if _, dup := w.processed[fp]; dup {
		w.log.Debug().
			Str("subject", logging.BoundAndClean(msg.Subject, 120)).
			Msg("Message already processed, skipping")
		return nil
	}

	if w.isStale(msg, now) {
		if err := w.archive(ctx, sess, msg, "older than threshold and read"); err != nil {
			return err
		}
		w.processed[fp] = struct{}{}
		return nil
	}

	var handled bool
	var err error
	switch {
	case strings.Contains(msg.Body, markerAccountAccess):
		handled, err = w.handleAccountAccess(ctx, sess, msg)
	case strings.Contains(msg.Body, markerTravelVerify):
		handled, err = w.handleTravelVerify(ctx, sess, msg)
	case strings.Contains(msg.Body, markerUpdateLocation):
		handled, err = w.handleUpdateLocation(ctx, sess, msg)
	default:
		return nil
	}
	if err != nil {
		return err
	}
	if handled {
		w.processed[fp] = struct{}{}
	}
	return nil
}

// isStale reports whether the message is both past the age threshold and
// already read. Messages without a date never match.
func (w *Watcher) isStale(msg mailbox.Message, now time.Time) bool {
	return msg.Seen && !msg.Date.IsZero() && msg.Age(now) > w.cfg.StaleAfter
}

// handleAccountAccess extracts the account-access link and the embedded
// 4-digit code. The message is archived whether or not a code was found.
func (w *Watcher) handleAccountAccess(ctx context.Context, sess MailSession, msg mailbox.Message) (bool, error) {
	url, ok := extract.URL(msg.Body, urlAccountAccess)
	if !ok {
		w.notify.Warn("Account-access marker present but no link found")
		return true, nil
	}
	w.notify.Info("Found Netflix account-access link:\n" + url)

	if code, ok := extract.Code(msg.Body); ok {
		w.notify.Info("Verification code: " + code)
	} else {
		w.notify.Warn("No verification code found in message body")
	}

	if err := w.archive(ctx, sess, msg, "account access email processed"); err != nil {
		return false, err
	}
	return true, nil
}

// handleTravelVerify clicks the travel-verification link in a headless
// browser and reads the one-time code from the page. The message is
// archived only when a code was scraped; on failure it stays in the
// folder so the next poll retries it.
func (w *Watcher) handleTravelVerify(ctx context.Context, sess MailSession, msg mailbox.Message) (bool, error) {
	url, ok := extract.URL(msg.Body, urlTravelVerify)
	if !ok {
		w.notify.Warn("Travel-verification marker present but no link found")
		return true, nil
	}
	w.notify.Info("Found Netflix travel-verification link:\n" + url)

	code, err := w.scraper.ReadCode(ctx, url)
	if err != nil {
		w.notify.Warn(fmt.Sprintf("Could not scrape verification code, leaving message for retry: %v", err))
		return false, nil
	}
	w.notify.Info("Verification code: " + code)

	if err := w.archive(ctx, sess, msg, "travel verification code extracted"); err != nil {
		return false, err
	}
	return true, nil
}

// handleUpdateLocation clicks the location-confirmation control and
// requires an HTTP 200 afterwards. On failure the message stays and a
// warning goes out.
func (w *Watcher) handleUpdateLocation(ctx context.Context, sess MailSession, msg mailbox.Message) (bool, error) {
	url, ok := extract.URL(msg.Body, urlUpdateLocation)
	if !ok {
		w.notify.Warn("Update-location marker present but no link found")
		return true, nil
	}
	w.notify.Info("Found Netflix update-location link:\n" + url)

	confirmed, err := w.scraper.ClickConfirm(ctx, url)
	if err != nil || !confirmed {
		if err != nil {
			w.notify.Warn(fmt.Sprintf("Failed to confirm primary location update: %v", err))
		} else {
			w.notify.Warn("Failed to confirm primary location update")
		}
		return false, nil
	}
	w.notify.Info("Location update confirmed")

	if err := w.archive(ctx, sess, msg, "update location confirmation clicked"); err != nil {
		return false, err
	}
	return true, nil
}

// archive moves a handled message into the archive folder and emits the
// audit line. Archiving is the signal that a message was handled, so a
// move failure propagates and the fingerprint is not recorded.
func (w *Watcher) archive(ctx context.Context, sess MailSession, msg mailbox.Message, reason string) error {
	if err := sess.Move(ctx, msg.UID, w.cfg.ArchiveFolder); err != nil {
		w.notify.Error(fmt.Sprintf("Failed to move message %q: %v",
			logging.BoundAndClean(msg.Subject, 120), err))
		return err
	}

	received := "unknown"
	if !msg.Date.IsZero() {
		received = msg.Date.Format("2006-01-02 15:04:05")
	}
	w.notify.Info(fmt.Sprintf("EMAIL MOVED | Subject: %s | Sender: %s | Received: %s | Reason: %s",
		logging.BoundAndClean(msg.Subject, 120), logging.MaskEmail(msg.From), received, reason))
	return nil
}
