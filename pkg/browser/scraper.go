// Package browser drives one-shot headless browser sessions against
// Netflix verification pages. Every call launches an isolated browser
// with a fresh profile and tears it down before returning, regardless of
// outcome.
package browser

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/rs/zerolog"

	"github.com/roy-adler/Netflix-VerifyBot/pkg/reliability"
)

// ErrScrape marks all scraping failures: browser launch problems,
// elements that never appear, non-200 confirmations. Callers treat it as
// "could not confirm", never as a connection-level failure.
var ErrScrape = errors.New("scraping failed")

// Page elements Netflix renders on its verification pages.
const (
	selTravelOTP       = `[data-uia="travel-verification-otp"]`
	selPrimaryLocation = `[data-uia="set-primary-location-action"]`
)

const profilePrefix = "rod-netflix-"

// Scraper launches headless browser sessions. It carries no state
// between calls.
type Scraper struct {
	log zerolog.Logger

	headless       bool
	elementTimeout time.Duration
	opTimeout      time.Duration
}

// New creates a Scraper with the production timeouts: 5s for a page
// element to appear, 45s for a whole browser session.
func New(log zerolog.Logger) *Scraper {
	return &Scraper{
		log:            log.With().Str("component", "browser").Logger(),
		headless:       true,
		elementTimeout: 5 * time.Second,
		opTimeout:      45 * time.Second,
	}
}

// ReadCode opens url, waits for the travel-verification code element and
// returns its text.
func (s *Scraper) ReadCode(ctx context.Context, url string) (string, error) {
	var code string
	err := reliability.WithTimeout(ctx, s.opTimeout, func(ctx context.Context) error {
		return s.withPage(ctx, url, func(page *rod.Page) error {
			el, err := page.Timeout(s.elementTimeout).Element(selTravelOTP)
			if err != nil {
				return fmt.Errorf("%w: verification code element not found: %v", ErrScrape, err)
			}
			text, err := el.Text()
			if err != nil {
				return fmt.Errorf("%w: reading verification code: %v", ErrScrape, err)
			}
			code = strings.TrimSpace(text)
			if code == "" {
				return fmt.Errorf("%w: verification code element is empty", ErrScrape)
			}
			return nil
		})
	})
	if err != nil {
		return "", err
	}
	return code, nil
}

// ClickConfirm opens url, clicks the set-primary-location control and
// verifies the page still answers with HTTP 200 afterwards.
func (s *Scraper) ClickConfirm(ctx context.Context, url string) (bool, error) {
	err := reliability.WithTimeout(ctx, s.opTimeout, func(ctx context.Context) error {
		return s.withPage(ctx, url, func(page *rod.Page) error {
			el, err := page.Timeout(s.elementTimeout).Element(selPrimaryLocation)
			if err != nil {
				return fmt.Errorf("%w: confirmation control not found: %v", ErrScrape, err)
			}
			if err := el.Click(proto.InputMouseButtonLeft, 1); err != nil {
				return fmt.Errorf("%w: clicking confirmation control: %v", ErrScrape, err)
			}

			// Re-navigate and inspect the response status to confirm
			// the location update took.
			var ev proto.NetworkResponseReceived
			wait := page.WaitEvent(&ev)
			if err := page.Navigate(url); err != nil {
				return fmt.Errorf("%w: reloading confirmation page: %v", ErrScrape, err)
			}
			wait()
			if ev.Response == nil {
				return fmt.Errorf("%w: no response after confirmation", ErrScrape)
			}
			if ev.Response.Status != 200 {
				return fmt.Errorf("%w: confirmation page returned status %d", ErrScrape, ev.Response.Status)
			}
			return nil
		})
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

// withPage runs fn against a page already navigated to url, inside a
// freshly launched browser that is torn down on every exit path.
func (s *Scraper) withPage(ctx context.Context, url string, fn func(page *rod.Page) error) error {
	dir, err := os.MkdirTemp("", profilePrefix+"*")
	if err != nil {
		return fmt.Errorf("%w: creating browser profile: %v", ErrScrape, err)
	}
	defer os.RemoveAll(dir)

	l := launcher.New().Headless(s.headless).UserDataDir(dir)
	controlURL, err := l.Launch()
	if err != nil {
		return fmt.Errorf("%w: launching browser: %v", ErrScrape, err)
	}
	browser := rod.New().ControlURL(controlURL).Context(ctx)
	if err := browser.Connect(); err != nil {
		l.Cleanup()
		return fmt.Errorf("%w: connecting to browser: %v", ErrScrape, err)
	}
	defer func() {
		if err := browser.Close(); err != nil {
			s.log.Warn().Err(err).Msg("Error closing browser")
		}
		l.Cleanup()
	}()

	page, err := browser.Page(proto.TargetCreateTarget{})
	if err != nil {
		return fmt.Errorf("%w: opening page: %v", ErrScrape, err)
	}
	s.log.Info().Str("url", url).Msg("Opening verification link")
	if err := page.Navigate(url); err != nil {
		return fmt.Errorf("%w: navigating to %s: %v", ErrScrape, url, err)
	}
	return fn(page)
}

// CleanupProfiles removes leftover browser profile directories from
// earlier runs that were killed before their deferred cleanup ran.
func (s *Scraper) CleanupProfiles() {
	matches, err := filepath.Glob(filepath.Join(os.TempDir(), profilePrefix+"*"))
	if err != nil {
		return
	}
	for _, dir := range matches {
		if err := os.RemoveAll(dir); err != nil {
			s.log.Warn().Err(err).Str("dir", dir).Msg("Failed to remove stale browser profile")
		} else {
			s.log.Debug().Str("dir", dir).Msg("Removed stale browser profile")
		}
	}
}
