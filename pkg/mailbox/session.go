// Package mailbox wraps a single IMAP connection behind the small
// surface the processing loop needs: fetch, move, logout.
package mailbox

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strings"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/rs/zerolog"

	"github.com/roy-adler/Netflix-VerifyBot/pkg/logging"
)

// ConnError wraps login/handshake failures. The processing loop treats
// it as a failed session attempt and feeds the outer retry state machine.
type ConnError struct {
	Op  string
	Err error
}

func (e *ConnError) Error() string {
	return fmt.Sprintf("mailbox %s: %v", e.Op, e.Err)
}

func (e *ConnError) Unwrap() error { return e.Err }

// Config holds the connection parameters for one IMAP account.
type Config struct {
	Server   string
	Port     int
	Address  string
	Password string
	// Folder is the active folder to poll. Defaults to INBOX.
	Folder string
}

// Session owns one live IMAP connection. It is used by a single
// goroutine; no method may be called after Logout.
type Session struct {
	cfg       Config
	log       zerolog.Logger
	client    *imapclient.Client
	loginTime time.Time
}

// Dial connects, authenticates and selects the active folder. Any
// failure is returned as a *ConnError.
func Dial(ctx context.Context, cfg Config, log zerolog.Logger) (*Session, error) {
	logger := log.With().Str("component", "mailbox").Logger()
	addr := net.JoinHostPort(cfg.Server, fmt.Sprintf("%d", cfg.Port))

	logger.Info().
		Str("address", addr).
		Str("account", logging.MaskEmail(cfg.Address)).
		Msg("Connecting to IMAP server")

	client, err := imapclient.DialTLS(addr, nil)
	if err != nil {
		return nil, &ConnError{Op: "dial", Err: err}
	}
	if err := client.Login(cfg.Address, cfg.Password).Wait(); err != nil {
		client.Close()
		return nil, &ConnError{Op: "login", Err: err}
	}

	folder := cfg.Folder
	if folder == "" {
		folder = "INBOX"
	}
	if _, err := client.Select(folder, nil).Wait(); err != nil {
		client.Close()
		return nil, &ConnError{Op: "select", Err: err}
	}

	logger.Info().Str("folder", folder).Msg("Connected to mailbox")
	return &Session{
		cfg:       cfg,
		log:       logger,
		client:    client,
		loginTime: time.Now(),
	}, nil
}

// Age returns the wall-clock time since the connection was established.
func (s *Session) Age() time.Duration {
	return time.Since(s.loginTime)
}

// Fetch returns all messages in the active folder, newest first.
func (s *Session) Fetch(ctx context.Context) ([]Message, error) {
	search, err := s.client.UIDSearch(&imap.SearchCriteria{}, nil).Wait()
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}
	uids := search.AllUIDs()
	if len(uids) == 0 {
		return nil, nil
	}

	fetchOptions := &imap.FetchOptions{
		Envelope:    true,
		Flags:       true,
		UID:         true,
		BodySection: []*imap.FetchItemBodySection{{}},
	}
	buffers, err := s.client.Fetch(imap.UIDSetNum(uids...), fetchOptions).Collect()
	if err != nil {
		return nil, fmt.Errorf("fetch: %w", err)
	}

	msgs := make([]Message, 0, len(buffers))
	for _, buf := range buffers {
		msgs = append(msgs, messageFromBuffer(buf))
	}
	// Newest first. Messages without a date sort by UID, which on a
	// single folder grows with arrival order.
	sort.Slice(msgs, func(i, j int) bool {
		if !msgs[i].Date.Equal(msgs[j].Date) {
			return msgs[i].Date.After(msgs[j].Date)
		}
		return msgs[i].UID > msgs[j].UID
	})
	return msgs, nil
}

// Move transfers one message into folder. Moving a message that is gone
// or was already moved is success, not failure: the server state already
// matches what the caller wanted.
func (s *Session) Move(ctx context.Context, uid imap.UID, folder string) error {
	if _, err := s.client.Move(imap.UIDSetNum(uid), folder).Wait(); err != nil {
		if isAlreadyGone(err) {
			s.log.Debug().Uint32("uid", uint32(uid)).Msg("Message already moved or not found")
			return nil
		}
		return fmt.Errorf("move uid %d to %q: %w", uid, folder, err)
	}
	return nil
}

func isAlreadyGone(err error) bool {
	s := strings.ToLower(err.Error())
	return strings.Contains(s, "already moved") ||
		strings.Contains(s, "not found") ||
		strings.Contains(s, "no messages") ||
		strings.Contains(s, "nonexistent")
}

// Logout shuts the connection down. It is best-effort: a server that
// stalls the LOGOUT gets its connection force-closed after two seconds,
// and nothing is ever reported as an error to the caller.
func (s *Session) Logout() error {
	if s.client == nil {
		return nil
	}
	done := make(chan error, 1)
	go func() {
		done <- s.client.Logout().Wait()
	}()
	select {
	case err := <-done:
		if err != nil {
			s.log.Warn().Err(err).Msg("Error during IMAP logout")
		}
	case <-time.After(2 * time.Second):
		s.log.Warn().Msg("IMAP logout timed out, force closing connection")
	}
	s.client.Close()
	s.client = nil
	s.log.Info().Msg("Disconnected from mailbox")
	return nil
}
