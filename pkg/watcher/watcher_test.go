package watcher

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/rs/zerolog"

	"github.com/roy-adler/Netflix-VerifyBot/pkg/mailbox"
)

type fakeSession struct {
	msgs      []mailbox.Message
	fetchErr  error
	moveErr   error
	moves     []imap.UID
	movedTo   map[imap.UID]string
	age       time.Duration
	loggedOut bool
	fetches   int
}

func (s *fakeSession) Fetch(ctx context.Context) ([]mailbox.Message, error) {
	s.fetches++
	if s.fetchErr != nil {
		return nil, s.fetchErr
	}
	return s.msgs, nil
}

func (s *fakeSession) Move(ctx context.Context, uid imap.UID, folder string) error {
	if s.moveErr != nil {
		return s.moveErr
	}
	if s.movedTo == nil {
		s.movedTo = make(map[imap.UID]string)
	}
	s.moves = append(s.moves, uid)
	s.movedTo[uid] = folder
	return nil
}

func (s *fakeSession) Logout() error {
	s.loggedOut = true
	return nil
}

func (s *fakeSession) Age() time.Duration { return s.age }

type fakeScraper struct {
	code       string
	codeErr    error
	confirm    bool
	confirmErr error

	readCalls  int
	clickCalls int
}

func (f *fakeScraper) ReadCode(ctx context.Context, url string) (string, error) {
	f.readCalls++
	return f.code, f.codeErr
}

func (f *fakeScraper) ClickConfirm(ctx context.Context, url string) (bool, error) {
	f.clickCalls++
	return f.confirm, f.confirmErr
}

type recorder struct {
	debugs, infos, warns, errs []string
}

func (r *recorder) Debug(msg string) { r.debugs = append(r.debugs, msg) }
func (r *recorder) Info(msg string)  { r.infos = append(r.infos, msg) }
func (r *recorder) Warn(msg string)  { r.warns = append(r.warns, msg) }
func (r *recorder) Error(msg string) { r.errs = append(r.errs, msg) }

func (r *recorder) anyContains(lines []string, sub string) bool {
	for _, l := range lines {
		if strings.Contains(l, sub) {
			return true
		}
	}
	return false
}

var testNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func testConfig() Config {
	return Config{
		CheckInterval: 3 * time.Second,
		StaleAfter:    15 * time.Minute,
		MaxAttempts:   3,
		RefreshAfter:  30 * time.Minute,
		ArchiveFolder: "Gelesen",
	}
}

// newTestWatcher wires a Watcher with instant sleeps and a fixed clock.
// The recorded sleep durations are returned for backoff assertions.
func newTestWatcher(cfg Config, dial DialFunc, scraper Scraper, rec *recorder) (*Watcher, *[]time.Duration) {
	w := New(cfg, dial, scraper, rec, zerolog.Nop())
	sleeps := &[]time.Duration{}
	w.sleep = func(ctx context.Context, d time.Duration) error {
		*sleeps = append(*sleeps, d)
		return ctx.Err()
	}
	w.now = func() time.Time { return testNow }
	return w, sleeps
}

func dialTo(sess MailSession, err error) DialFunc {
	return func(ctx context.Context) (MailSession, error) {
		if err != nil {
			return nil, err
		}
		return sess, nil
	}
}

func accountAccessMessage(uid imap.UID) mailbox.Message {
	return mailbox.Message{
		UID:     uid,
		Date:    testNow.Add(-time.Minute),
		Subject: fmt.Sprintf("Code %d", uid),
		From:    "info@account.netflix.com",
		Body:    `<a href="https://www.netflix.com/accountaccess?t=x">Code</a><td> 4821 </td>`,
	}
}

func TestStaleReadMessageArchivedWithoutClassification(t *testing.T) {
	// Old + seen wins over everything else, even a body full of markers.
	msg := mailbox.Message{
		UID:     1,
		Date:    testNow.Add(-time.Hour),
		Seen:    true,
		Subject: "old news",
		Body:    `"https://www.netflix.com/account/travel/verify?x" accountaccess update-primary-location`,
	}
	sess := &fakeSession{msgs: []mailbox.Message{msg}}
	scraper := &fakeScraper{}
	rec := &recorder{}
	w, _ := newTestWatcher(testConfig(), dialTo(sess, nil), scraper, rec)

	if err := w.pollOnce(context.Background(), sess); err != nil {
		t.Fatalf("pollOnce() = %v", err)
	}

	if len(sess.moves) != 1 || sess.movedTo[1] != "Gelesen" {
		t.Fatalf("moves = %v (%v), want uid 1 into Gelesen", sess.moves, sess.movedTo)
	}
	if scraper.readCalls != 0 || scraper.clickCalls != 0 {
		t.Error("stale message must not reach the browser scraper")
	}
	if !rec.anyContains(rec.infos, "older than threshold and read") {
		t.Error("missing archival audit line")
	}
	if _, ok := w.processed[msg.Fingerprint()]; !ok {
		t.Error("stale message not fingerprinted after archival")
	}
}

func TestOldButUnreadMessageIsNotStale(t *testing.T) {
	msg := mailbox.Message{
		UID:     2,
		Date:    testNow.Add(-time.Hour),
		Seen:    false,
		Subject: "unread",
		Body:    "nothing recognizable",
	}
	sess := &fakeSession{msgs: []mailbox.Message{msg}}
	rec := &recorder{}
	w, _ := newTestWatcher(testConfig(), dialTo(sess, nil), &fakeScraper{}, rec)

	if err := w.pollOnce(context.Background(), sess); err != nil {
		t.Fatalf("pollOnce() = %v", err)
	}
	if len(sess.moves) != 0 {
		t.Errorf("moves = %v, want none", sess.moves)
	}
	if len(w.processed) != 0 {
		t.Errorf("processed = %v, want empty", w.processed)
	}
}

func TestUnrecognizedMessageLeftUntouched(t *testing.T) {
	msg := mailbox.Message{
		UID:     3,
		Date:    testNow.Add(-time.Minute),
		Subject: "newsletter",
		Body:    "<html>no netflix links here</html>",
	}
	sess := &fakeSession{msgs: []mailbox.Message{msg}}
	rec := &recorder{}
	w, _ := newTestWatcher(testConfig(), dialTo(sess, nil), &fakeScraper{}, rec)

	if err := w.pollOnce(context.Background(), sess); err != nil {
		t.Fatalf("pollOnce() = %v", err)
	}
	if len(sess.moves) != 0 {
		t.Errorf("moves = %v, want none", sess.moves)
	}
	if len(w.processed) != 0 {
		t.Errorf("processed set = %v, want empty", w.processed)
	}
}

func TestDedupSuppressesReprocessing(t *testing.T) {
	msg := accountAccessMessage(4)
	sess := &fakeSession{msgs: []mailbox.Message{msg}}
	rec := &recorder{}
	w, _ := newTestWatcher(testConfig(), dialTo(sess, nil), &fakeScraper{}, rec)

	for i := 0; i < 2; i++ {
		if err := w.pollOnce(context.Background(), sess); err != nil {
			t.Fatalf("pollOnce() #%d = %v", i+1, err)
		}
	}
	if len(sess.moves) != 1 {
		t.Errorf("moves = %v, want exactly one", sess.moves)
	}
}

func TestAccountAccessExtractsURLAndCode(t *testing.T) {
	msg := accountAccessMessage(5)
	sess := &fakeSession{msgs: []mailbox.Message{msg}}
	rec := &recorder{}
	w, _ := newTestWatcher(testConfig(), dialTo(sess, nil), &fakeScraper{}, rec)

	if err := w.pollOnce(context.Background(), sess); err != nil {
		t.Fatalf("pollOnce() = %v", err)
	}
	if !rec.anyContains(rec.infos, "https://www.netflix.com/accountaccess?t=x") {
		t.Error("extracted link not notified")
	}
	if !rec.anyContains(rec.infos, "Verification code: 4821") {
		t.Error("extracted code not notified")
	}
	if len(sess.moves) != 1 {
		t.Errorf("moves = %v, want one", sess.moves)
	}
}

func TestAccountAccessArchivesWithoutCode(t *testing.T) {
	msg := accountAccessMessage(6)
	msg.Body = `<a href="https://www.netflix.com/accountaccess?t=x">Code</a>`
	sess := &fakeSession{msgs: []mailbox.Message{msg}}
	rec := &recorder{}
	w, _ := newTestWatcher(testConfig(), dialTo(sess, nil), &fakeScraper{}, rec)

	if err := w.pollOnce(context.Background(), sess); err != nil {
		t.Fatalf("pollOnce() = %v", err)
	}
	if !rec.anyContains(rec.warns, "No verification code found") {
		t.Error("missing code warning")
	}
	// Archived regardless of code-extraction success.
	if len(sess.moves) != 1 {
		t.Errorf("moves = %v, want one", sess.moves)
	}
}

func TestTravelVerifyArchivesOnlyOnScrapeSuccess(t *testing.T) {
	msg := mailbox.Message{
		UID:     7,
		Date:    testNow.Add(-time.Minute),
		Subject: "travel",
		Body:    `<a href="https://www.netflix.com/account/travel/verify?t=x">Verify</a>`,
	}

	t.Run("scrape failure leaves message for retry", func(t *testing.T) {
		sess := &fakeSession{msgs: []mailbox.Message{msg}}
		scraper := &fakeScraper{codeErr: errors.New("element never appeared")}
		rec := &recorder{}
		w, _ := newTestWatcher(testConfig(), dialTo(sess, nil), scraper, rec)

		if err := w.pollOnce(context.Background(), sess); err != nil {
			t.Fatalf("pollOnce() = %v", err)
		}
		if len(sess.moves) != 0 {
			t.Errorf("moves = %v, want none on failure", sess.moves)
		}
		if len(w.processed) != 0 {
			t.Error("failed message must not be fingerprinted")
		}
		// Retried on the next poll.
		if err := w.pollOnce(context.Background(), sess); err != nil {
			t.Fatalf("pollOnce() = %v", err)
		}
		if scraper.readCalls != 2 {
			t.Errorf("readCalls = %d, want 2", scraper.readCalls)
		}
	})

	t.Run("scrape success archives and fingerprints", func(t *testing.T) {
		sess := &fakeSession{msgs: []mailbox.Message{msg}}
		scraper := &fakeScraper{code: "918273"}
		rec := &recorder{}
		w, _ := newTestWatcher(testConfig(), dialTo(sess, nil), scraper, rec)

		if err := w.pollOnce(context.Background(), sess); err != nil {
			t.Fatalf("pollOnce() = %v", err)
		}
		if len(sess.moves) != 1 {
			t.Fatalf("moves = %v, want one", sess.moves)
		}
		if !rec.anyContains(rec.infos, "Verification code: 918273") {
			t.Error("scraped code not notified")
		}
		if _, ok := w.processed[msg.Fingerprint()]; !ok {
			t.Error("handled message not fingerprinted")
		}
	})
}

func TestUpdateLocationConfirmOutcomes(t *testing.T) {
	msg := mailbox.Message{
		UID:     8,
		Date:    testNow.Add(-time.Minute),
		Subject: "household",
		Body:    `<a href="https://www.netflix.com/account/update-primary-location?t=x">Confirm</a>`,
	}

	t.Run("failed confirmation warns and leaves message", func(t *testing.T) {
		sess := &fakeSession{msgs: []mailbox.Message{msg}}
		scraper := &fakeScraper{confirm: false}
		rec := &recorder{}
		w, _ := newTestWatcher(testConfig(), dialTo(sess, nil), scraper, rec)

		if err := w.pollOnce(context.Background(), sess); err != nil {
			t.Fatalf("pollOnce() = %v", err)
		}
		if len(sess.moves) != 0 {
			t.Errorf("moves = %v, want none", sess.moves)
		}
		if !rec.anyContains(rec.warns, "Failed to confirm primary location update") {
			t.Error("missing confirmation warning")
		}
	})

	t.Run("confirmed click archives", func(t *testing.T) {
		sess := &fakeSession{msgs: []mailbox.Message{msg}}
		scraper := &fakeScraper{confirm: true}
		rec := &recorder{}
		w, _ := newTestWatcher(testConfig(), dialTo(sess, nil), scraper, rec)

		if err := w.pollOnce(context.Background(), sess); err != nil {
			t.Fatalf("pollOnce() = %v", err)
		}
		if len(sess.moves) != 1 {
			t.Errorf("moves = %v, want one", sess.moves)
		}
	})
}

func TestFingerprintRequiresSuccessfulArchive(t *testing.T) {
	msg := accountAccessMessage(9)
	sess := &fakeSession{msgs: []mailbox.Message{msg}, moveErr: errors.New("NO server busy")}
	rec := &recorder{}
	w, _ := newTestWatcher(testConfig(), dialTo(sess, nil), &fakeScraper{}, rec)

	if err := w.pollOnce(context.Background(), sess); err != nil {
		t.Fatalf("pollOnce() = %v (per-message errors are isolated)", err)
	}
	if len(w.processed) != 0 {
		t.Error("message fingerprinted despite failed archival")
	}
	if !rec.anyContains(rec.warns, "Error processing message") {
		t.Error("missing per-message warning")
	}
}

func TestOneBadMessageDoesNotAbortBatch(t *testing.T) {
	bad := accountAccessMessage(10)
	good := accountAccessMessage(11)
	sess := &fakeSession{msgs: []mailbox.Message{bad, good}}
	// Fail only the first move.
	calls := 0
	origErr := errors.New("NO temporary problem")
	sessWrap := &scriptedSession{fakeSession: sess, moveHook: func() error {
		calls++
		if calls == 1 {
			return origErr
		}
		return nil
	}}
	rec := &recorder{}
	w, _ := newTestWatcher(testConfig(), dialTo(sessWrap, nil), &fakeScraper{}, rec)

	if err := w.pollOnce(context.Background(), sessWrap); err != nil {
		t.Fatalf("pollOnce() = %v", err)
	}
	if len(sess.moves) != 1 {
		t.Errorf("moves = %v, want the second message archived", sess.moves)
	}
	if _, ok := w.processed[good.Fingerprint()]; !ok {
		t.Error("second message not fingerprinted")
	}
}

type scriptedSession struct {
	*fakeSession
	moveHook func() error
}

func (s *scriptedSession) Move(ctx context.Context, uid imap.UID, folder string) error {
	if err := s.moveHook(); err != nil {
		return err
	}
	return s.fakeSession.Move(ctx, uid, folder)
}

func TestRunBackoffSequenceAndGracefulExhaustion(t *testing.T) {
	rec := &recorder{}
	dials := 0
	dial := func(ctx context.Context) (MailSession, error) {
		dials++
		return nil, errors.New("dial tcp: connection refused")
	}
	w, sleeps := newTestWatcher(testConfig(), dial, &fakeScraper{}, rec)

	if err := w.Run(context.Background()); err != nil {
		t.Fatalf("Run() = %v, want nil on exhausted retries", err)
	}

	if dials != 3 {
		t.Errorf("dials = %d, want 3", dials)
	}
	// base=3s: waits 3s after attempt 1, 6s after attempt 2, none after
	// the final attempt.
	want := []time.Duration{3 * time.Second, 6 * time.Second}
	if len(*sleeps) != len(want) {
		t.Fatalf("sleeps = %v, want %v", *sleeps, want)
	}
	for i := range want {
		if (*sleeps)[i] != want[i] {
			t.Errorf("sleep[%d] = %v, want %v", i, (*sleeps)[i], want[i])
		}
	}
	if !rec.anyContains(rec.errs, "Maximum retry attempts (3) reached") {
		t.Error("missing terminal message")
	}
}

func TestRunResetsCounterAfterCleanSession(t *testing.T) {
	cfg := testConfig()
	rec := &recorder{}
	refreshed := &fakeSession{age: cfg.RefreshAfter + time.Minute}

	// Fail once, then a clean (immediately refreshing) session, then fail
	// until the budget is gone. Without the reset the second failure
	// streak would exhaust after two dials instead of three.
	script := []error{
		errors.New("connection refused"),
		nil,
		errors.New("connection refused"),
		errors.New("connection refused"),
		errors.New("connection refused"),
	}
	dials := 0
	dial := func(ctx context.Context) (MailSession, error) {
		err := script[dials]
		dials++
		if err != nil {
			return nil, err
		}
		return refreshed, nil
	}
	w, sleeps := newTestWatcher(cfg, dial, &fakeScraper{}, rec)

	if err := w.Run(context.Background()); err != nil {
		t.Fatalf("Run() = %v", err)
	}
	if dials != len(script) {
		t.Errorf("dials = %d, want %d", dials, len(script))
	}
	// 3s after the first failure, then 3s and 6s for the fresh streak.
	want := []time.Duration{3 * time.Second, 3 * time.Second, 6 * time.Second}
	if len(*sleeps) != len(want) {
		t.Fatalf("sleeps = %v, want %v", *sleeps, want)
	}
	for i := range want {
		if (*sleeps)[i] != want[i] {
			t.Errorf("sleep[%d] = %v, want %v", i, (*sleeps)[i], want[i])
		}
	}
	if !refreshed.loggedOut {
		t.Error("refreshed session was not logged out")
	}
}

func TestVoluntaryRefreshIsNotAFailure(t *testing.T) {
	cfg := testConfig()
	sess := &fakeSession{age: cfg.RefreshAfter}
	rec := &recorder{}
	w, _ := newTestWatcher(cfg, dialTo(sess, nil), &fakeScraper{}, rec)

	if err := w.attemptSession(context.Background()); err != nil {
		t.Fatalf("attemptSession() = %v, want nil on voluntary refresh", err)
	}
	if sess.fetches != 0 {
		t.Error("aged-out session must not be polled before reconnect")
	}
	if !sess.loggedOut {
		t.Error("session not logged out on refresh")
	}
}

func TestPollFailureEndsSessionAsOneAttempt(t *testing.T) {
	cfg := testConfig()
	sess := &fakeSession{fetchErr: errors.New("connection reset")}
	rec := &recorder{}
	w, sleeps := newTestWatcher(cfg, dialTo(sess, nil), &fakeScraper{}, rec)

	err := w.attemptSession(context.Background())
	if err == nil {
		t.Fatal("attemptSession() = nil, want poll failure")
	}
	if !sess.loggedOut {
		t.Error("failed session not logged out")
	}
	// One settling sleep before handing the failure to Run.
	if len(*sleeps) != 1 || (*sleeps)[0] != cfg.CheckInterval {
		t.Errorf("sleeps = %v, want one settling pause of %v", *sleeps, cfg.CheckInterval)
	}
}

func TestProcessedSetClearedPeriodically(t *testing.T) {
	sess := &fakeSession{}
	rec := &recorder{}
	w, _ := newTestWatcher(testConfig(), dialTo(sess, nil), &fakeScraper{}, rec)

	ctx, cancel := context.WithCancel(context.Background())
	w.sleep = func(ctx context.Context, d time.Duration) error {
		cancel() // stop after the first full cycle
		return ctx.Err()
	}

	w.processed["stale-fingerprint"] = struct{}{}
	w.cycles = clearProcessedEvery - 1

	if err := w.attemptSession(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("attemptSession() = %v, want context.Canceled", err)
	}
	if len(w.processed) != 0 {
		t.Errorf("processed = %v, want cleared after %d cycles", w.processed, clearProcessedEvery)
	}
	if w.cycles != 0 {
		t.Errorf("cycles = %d, want reset to 0", w.cycles)
	}
}

func TestRunReturnsCleanlyOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	dials := 0
	dial := func(ctx context.Context) (MailSession, error) {
		dials++
		return nil, errors.New("unreachable")
	}
	rec := &recorder{}
	w, _ := newTestWatcher(testConfig(), dial, &fakeScraper{}, rec)

	if err := w.Run(ctx); err != nil {
		t.Fatalf("Run() = %v, want nil", err)
	}
	if dials != 0 {
		t.Errorf("dials = %d, want 0 with cancelled context", dials)
	}
}

func TestMessagesProcessedInFetchOrder(t *testing.T) {
	newest := accountAccessMessage(21)
	newest.Subject = "newest"
	older := accountAccessMessage(20)
	older.Subject = "older"

	sess := &fakeSession{msgs: []mailbox.Message{newest, older}}
	rec := &recorder{}
	w, _ := newTestWatcher(testConfig(), dialTo(sess, nil), &fakeScraper{}, rec)

	if err := w.pollOnce(context.Background(), sess); err != nil {
		t.Fatalf("pollOnce() = %v", err)
	}
	if len(sess.moves) != 2 || sess.moves[0] != 21 || sess.moves[1] != 20 {
		t.Errorf("moves = %v, want [21 20] (fetch order preserved)", sess.moves)
	}
}
