package chat_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/goleak"

	"github.com/koobs1993/mindwell/chat"
	"github.com/koobs1993/mindwell/completion"
	"github.com/koobs1993/mindwell/feed"
	"github.com/koobs1993/mindwell/internal/log"
	"github.com/koobs1993/mindwell/internal/testutil"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type engineFixture struct {
	store     *testutil.MemStore
	completer *testutil.ScriptedCompleter
	broker    *feed.Broker
	engine    *chat.Engine
	owner     uuid.UUID
}

func newFixture(t *testing.T, completer *testutil.ScriptedCompleter) *engineFixture {
	t.Helper()

	f := &engineFixture{
		store:     testutil.NewMemStore(),
		completer: completer,
		broker:    feed.NewBroker(),
		owner:     uuid.New(),
	}

	engine, err := chat.NewEngine(chat.Config{
		Store:     f.store,
		Completer: completer,
		Feed:      f.broker,
		Logger:    log.NewNop(),
		OwnerID:   f.owner,
	})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	f.engine = engine
	t.Cleanup(engine.Close)

	// Neutralize the perceived-latency floor; delay behavior has its own
	// tests with a fake clock.
	chat.SetEngineClock(engine, nil, func(context.Context, time.Duration) error { return nil })

	return f
}

func TestStartCreatesPrimedSession(t *testing.T) {
	f := newFixture(t, testutil.NewScriptedCompleter())

	sess, err := f.engine.Start(context.Background())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	if sess.Status != chat.StatusActive {
		t.Errorf("status = %q, want %q", sess.Status, chat.StatusActive)
	}
	if len(sess.Messages) != 1 {
		t.Fatalf("got %d messages, want 1", len(sess.Messages))
	}
	if sess.Messages[0].Role != chat.RoleSystem {
		t.Errorf("first message role = %q, want %q", sess.Messages[0].Role, chat.RoleSystem)
	}
	if sess.Messages[0].Content != chat.PrimingPrompt {
		t.Error("first message is not the priming prompt")
	}
}

func TestStartWhileActiveFails(t *testing.T) {
	f := newFixture(t, testutil.NewScriptedCompleter())
	ctx := context.Background()

	if _, err := f.engine.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := f.engine.Start(ctx); !errors.Is(err, chat.ErrInvalidState) {
		t.Fatalf("second Start error = %v, want ErrInvalidState", err)
	}
}

func TestSendAppendsUserAndAssistantMessages(t *testing.T) {
	f := newFixture(t, testutil.NewScriptedCompleter("I hear you. Tell me more."))
	ctx := context.Background()

	if _, err := f.engine.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	reply, err := f.engine.Send(ctx, "I had a stressful week")
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if reply.Role != chat.RoleAssistant || reply.Content != "I hear you. Tell me more." {
		t.Errorf("reply = %+v", reply)
	}

	msgs := f.engine.Messages()
	if len(msgs) != 3 {
		t.Fatalf("got %d messages, want 3 (priming, user, assistant)", len(msgs))
	}
	wantRoles := []chat.Role{chat.RoleSystem, chat.RoleUser, chat.RoleAssistant}
	for i, want := range wantRoles {
		if msgs[i].Role != want {
			t.Errorf("message %d role = %q, want %q", i, msgs[i].Role, want)
		}
	}

	// The completion call sees the full ordered transcript up to and
	// including the new user message.
	calls := f.completer.Calls()
	if len(calls) != 1 {
		t.Fatalf("got %d completion calls, want 1", len(calls))
	}
	if len(calls[0]) != 2 {
		t.Fatalf("completion saw %d turns, want 2", len(calls[0]))
	}
	if calls[0][0].Role != chat.RoleSystem || calls[0][1].Role != chat.RoleUser {
		t.Errorf("completion turns = %+v", calls[0])
	}
}

func TestSendDerivesTitleFromFirstMessage(t *testing.T) {
	f := newFixture(t, testutil.NewScriptedCompleter("ok", "ok"))
	ctx := context.Background()

	sess, err := f.engine.Start(ctx)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	if _, err := f.engine.Send(ctx, "trouble sleeping lately"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	stored, err := f.store.Session(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Session: %v", err)
	}
	if stored.Title != "trouble sleeping lately" {
		t.Errorf("title = %q, want first user message", stored.Title)
	}

	// The title is set once; later messages do not change it.
	if _, err := f.engine.Send(ctx, "another message"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	stored, _ = f.store.Session(ctx, sess.ID)
	if stored.Title != "trouble sleeping lately" {
		t.Errorf("title changed to %q", stored.Title)
	}
}

func TestDeriveTitleTruncates(t *testing.T) {
	long := strings.Repeat("a", 200)
	title := chat.DeriveTitle(long)
	if got := len([]rune(title)); got != chat.TitleMaxLength {
		t.Errorf("title length = %d, want %d", got, chat.TitleMaxLength)
	}
	if !strings.HasSuffix(title, "...") {
		t.Errorf("truncated title %q should end with ellipsis", title)
	}

	short := "hello"
	if chat.DeriveTitle(short) != short {
		t.Errorf("short titles must pass through unchanged")
	}
}

func TestSendValidation(t *testing.T) {
	f := newFixture(t, testutil.NewScriptedCompleter("unused"))
	ctx := context.Background()

	if _, err := f.engine.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	for _, input := range []string{"", "   ", "\n\t"} {
		if _, err := f.engine.Send(ctx, input); !errors.Is(err, chat.ErrValidation) {
			t.Errorf("Send(%q) error = %v, want ErrValidation", input, err)
		}
	}
	if f.completer.CallCount() != 0 {
		t.Error("validation failures must not reach the completion backend")
	}
}

func TestSendWithoutActiveSession(t *testing.T) {
	f := newFixture(t, testutil.NewScriptedCompleter())

	if _, err := f.engine.Send(context.Background(), "hello"); !errors.Is(err, chat.ErrInvalidState) {
		t.Fatalf("Send error = %v, want ErrInvalidState", err)
	}
}

func TestSendCompletionFailureKeepsUserMessage(t *testing.T) {
	quotaErr := &completion.Error{Kind: completion.KindQuotaExceeded, StatusCode: 429}
	f := newFixture(t, testutil.NewScriptedCompleterEntries(
		testutil.ScriptEntry{Err: quotaErr},
		testutil.ScriptEntry{Reply: "better late than never"},
	))
	ctx := context.Background()

	if _, err := f.engine.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	_, err := f.engine.Send(ctx, "are you there?")
	var cerr *completion.Error
	if !errors.As(err, &cerr) || cerr.Kind != completion.KindQuotaExceeded {
		t.Fatalf("Send error = %v, want quota-exceeded completion error", err)
	}

	// User message persisted, no assistant message, session still active.
	msgs := f.engine.Messages()
	if len(msgs) != 2 {
		t.Fatalf("got %d messages after failed turn, want 2", len(msgs))
	}
	if f.engine.Session().Status != chat.StatusActive {
		t.Error("session must stay active after a failed assistant turn")
	}

	// Retrying is just sending again.
	if _, err := f.engine.Send(ctx, "retrying now"); err != nil {
		t.Fatalf("retry Send: %v", err)
	}
	if got := len(f.engine.Messages()); got != 4 {
		t.Errorf("got %d messages after retry, want 4", got)
	}
}

func TestResponseDelayFloor(t *testing.T) {
	f := newFixture(t, testutil.NewScriptedCompleter("instant reply"))
	ctx := context.Background()

	// Frozen clock: the completion returns in zero perceived time, so the
	// full floor must be slept.
	base := time.Now()
	var slept []time.Duration
	var mu sync.Mutex
	chat.SetEngineClock(f.engine,
		func() time.Time { return base },
		func(_ context.Context, d time.Duration) error {
			mu.Lock()
			slept = append(slept, d)
			mu.Unlock()
			return nil
		})

	if _, err := f.engine.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := f.engine.Send(ctx, "quick question"); err != nil {
		t.Fatalf("Send: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(slept) != 1 {
		t.Fatalf("slept %d times, want 1", len(slept))
	}
	if slept[0] != chat.DefaultMinResponseDelay {
		t.Errorf("slept %v, want the full %v floor", slept[0], chat.DefaultMinResponseDelay)
	}
}

func TestResponseDelaySkippedWhenCompletionIsSlow(t *testing.T) {
	f := newFixture(t, testutil.NewScriptedCompleter("slow reply"))
	ctx := context.Background()

	// The clock jumps past the floor on its second reading, simulating a
	// completion call slower than the minimum delay.
	base := time.Now()
	calls := 0
	var mu sync.Mutex
	chat.SetEngineClock(f.engine,
		func() time.Time {
			mu.Lock()
			defer mu.Unlock()
			calls++
			if calls > 1 {
				return base.Add(2 * chat.DefaultMinResponseDelay)
			}
			return base
		},
		func(_ context.Context, d time.Duration) error {
			t.Errorf("slept %v; no sleep expected when the call exceeds the floor", d)
			return nil
		})

	if _, err := f.engine.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := f.engine.Send(ctx, "take your time"); err != nil {
		t.Fatalf("Send: %v", err)
	}
}

func TestEndProducesSummaryAndBlocksFurtherUse(t *testing.T) {
	f := newFixture(t, testutil.NewScriptedCompleter("a reply", "We discussed stress management."))
	ctx := context.Background()

	sess, err := f.engine.Start(ctx)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := f.engine.Send(ctx, "work stress again"); err != nil {
		t.Fatalf("Send: %v", err)
	}

	summary, err := f.engine.End(ctx)
	if err != nil {
		t.Fatalf("End: %v", err)
	}
	if summary != "We discussed stress management." {
		t.Errorf("summary = %q", summary)
	}

	// The summary request appends the summary instruction as the final
	// system turn.
	calls := f.completer.Calls()
	last := calls[len(calls)-1]
	if last[len(last)-1].Content != chat.SummaryPrompt {
		t.Error("summary call must end with the summary instruction")
	}

	stored, err := f.store.Session(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Session: %v", err)
	}
	if stored.Status != chat.StatusEnded {
		t.Errorf("stored status = %q, want %q", stored.Status, chat.StatusEnded)
	}
	if stored.EndedAt == nil {
		t.Error("ended session must have EndedAt set")
	}
	if stored.Summary != summary {
		t.Errorf("stored summary = %q, want %q", stored.Summary, summary)
	}

	// Ended sessions accept neither sends nor a second end.
	if _, err := f.engine.Send(ctx, "one more thing"); !errors.Is(err, chat.ErrInvalidState) {
		t.Errorf("Send after End error = %v, want ErrInvalidState", err)
	}
	if _, err := f.engine.End(ctx); !errors.Is(err, chat.ErrInvalidState) {
		t.Errorf("second End error = %v, want ErrInvalidState", err)
	}
}

func TestEndWithFailedSummaryStillEnds(t *testing.T) {
	f := newFixture(t, testutil.NewScriptedCompleterEntries(
		testutil.ScriptEntry{Reply: "a reply"},
		testutil.ScriptEntry{Err: &completion.Error{Kind: completion.KindServer, StatusCode: 500}},
	))
	ctx := context.Background()

	sess, err := f.engine.Start(ctx)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := f.engine.Send(ctx, "hello"); err != nil {
		t.Fatalf("Send: %v", err)
	}

	summary, err := f.engine.End(ctx)
	if !errors.Is(err, chat.ErrSummaryUnavailable) {
		t.Fatalf("End error = %v, want ErrSummaryUnavailable", err)
	}
	if summary != "" {
		t.Errorf("summary = %q, want empty", summary)
	}

	stored, _ := f.store.Session(ctx, sess.ID)
	if stored.Status != chat.StatusEnded {
		t.Errorf("stored status = %q, want ended despite summary failure", stored.Status)
	}
	if stored.Summary != "" {
		t.Errorf("stored summary = %q, want empty", stored.Summary)
	}
}

func TestEndReleasesFeedSubscription(t *testing.T) {
	f := newFixture(t, testutil.NewScriptedCompleter("reply", "summary"))
	ctx := context.Background()

	sess, err := f.engine.Start(ctx)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := f.engine.End(ctx); err != nil {
		t.Fatalf("End: %v", err)
	}

	before := len(f.engine.Messages())
	f.broker.Publish(chat.Message{ID: 9999, SessionID: sess.ID, Role: chat.RoleUser, Content: "late"})
	if got := len(f.engine.Messages()); got != before {
		t.Errorf("transcript grew to %d after End; subscription was not released", got)
	}
}

func TestFeedDeliveryFilteringAndDedup(t *testing.T) {
	f := newFixture(t, testutil.NewScriptedCompleter("reply"))
	ctx := context.Background()

	sess, err := f.engine.Start(ctx)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := f.engine.Send(ctx, "hello"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	msgs := f.engine.Messages()
	baseline := len(msgs)

	// Redelivery of a message already ingested is dropped.
	f.broker.Publish(msgs[baseline-1])
	// Another session's message never appears.
	f.broker.Publish(chat.Message{ID: 5000, SessionID: sess.ID + 1, Role: chat.RoleUser, Content: "other"})
	// A genuinely new message for this session shows up.
	f.broker.Publish(chat.Message{ID: 5001, SessionID: sess.ID, Role: chat.RoleUser, Content: "from elsewhere"})

	waitFor(t, func() bool { return len(f.engine.Messages()) == baseline+1 })

	final := f.engine.Messages()
	if final[len(final)-1].ID != 5001 {
		t.Errorf("last message ID = %d, want the new delivery", final[len(final)-1].ID)
	}
}

func TestArchiveLifecycle(t *testing.T) {
	f := newFixture(t, testutil.NewScriptedCompleter("reply", "summary"))
	ctx := context.Background()

	sess, err := f.engine.Start(ctx)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	// Active sessions cannot be archived.
	if err := f.engine.Archive(ctx, sess.ID); !errors.Is(err, chat.ErrInvalidState) {
		t.Fatalf("Archive(active) error = %v, want ErrInvalidState", err)
	}

	if _, err := f.engine.End(ctx); err != nil {
		t.Fatalf("End: %v", err)
	}
	if err := f.engine.Archive(ctx, sess.ID); err != nil {
		t.Fatalf("Archive: %v", err)
	}
	if got := f.engine.Session().Status; got != chat.StatusArchived {
		t.Errorf("status = %q, want %q", got, chat.StatusArchived)
	}

	// Idempotent.
	if err := f.engine.Archive(ctx, sess.ID); err != nil {
		t.Fatalf("second Archive: %v", err)
	}

	if err := f.engine.Archive(ctx, 404); !errors.Is(err, chat.ErrSessionNotFound) {
		t.Errorf("Archive(missing) error = %v, want ErrSessionNotFound", err)
	}
}

type failingFeed struct{}

func (failingFeed) Subscribe(int64, func(chat.Message)) (chat.Subscription, error) {
	return nil, errors.New("realtime channel down")
}

func TestStartWithBrokenFeedStillReturnsSession(t *testing.T) {
	engine, err := chat.NewEngine(chat.Config{
		Store:     testutil.NewMemStore(),
		Completer: testutil.NewScriptedCompleter("reply"),
		Feed:      failingFeed{},
		Logger:    log.NewNop(),
		OwnerID:   uuid.New(),
	})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	defer engine.Close()
	chat.SetEngineClock(engine, nil, func(context.Context, time.Duration) error { return nil })

	ctx := context.Background()
	sess, err := engine.Start(ctx)
	if !errors.Is(err, chat.ErrSubscription) {
		t.Fatalf("Start error = %v, want ErrSubscription", err)
	}
	if sess == nil {
		t.Fatal("Start must still return the session in poll-only mode")
	}

	// The session works without live delivery.
	if _, err := engine.Send(ctx, "still here"); err != nil {
		t.Fatalf("Send in poll-only mode: %v", err)
	}
}

func TestConcurrentSendAndEnd(t *testing.T) {
	f := newFixture(t, testutil.NewScriptedCompleter("reply"))
	ctx := context.Background()

	if _, err := f.engine.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	var wg sync.WaitGroup
	errs := make([]error, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, errs[0] = f.engine.Send(ctx, "racing send")
	}()
	go func() {
		defer wg.Done()
		_, errs[1] = f.engine.End(ctx)
	}()
	wg.Wait()

	// Serialization means exactly one ordering happened: either the send
	// completed before the end, or it lost the race and saw the ended
	// state. Either way the session finishes ended.
	if f.engine.Session().Status != chat.StatusEnded {
		t.Errorf("final status = %q, want ended", f.engine.Session().Status)
	}
	if errs[0] != nil && !errors.Is(errs[0], chat.ErrInvalidState) {
		t.Errorf("Send error = %v, want nil or ErrInvalidState", errs[0])
	}
	if errs[1] != nil && !errors.Is(errs[1], chat.ErrInvalidState) {
		t.Errorf("End error = %v, want nil or ErrInvalidState", errs[1])
	}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached before deadline")
}
