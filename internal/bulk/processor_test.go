package bulk

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/flourishlabs/beacon/internal/channel"
	beaconredis "github.com/flourishlabs/beacon/internal/redis"
	"github.com/flourishlabs/beacon/internal/retry"
	"github.com/flourishlabs/beacon/internal/store"
)

type fakeCommStore struct {
	comm       *store.BulkCommunication
	recipients []*store.CommunicationRecipient
	finalized  bool
}

func (f *fakeCommStore) GetCommunication(ctx context.Context, id uuid.UUID) (*store.BulkCommunication, error) {
	return f.comm, nil
}

func (f *fakeCommStore) MarkSending(ctx context.Context, id uuid.UUID) error {
	if f.comm.Status == store.CommStatusScheduled {
		f.comm.Status = store.CommStatusSending
	}
	return nil
}

func (f *fakeCommStore) RetryableRecipients(ctx context.Context, commID uuid.UUID, maxAttempts int, now time.Time, limit int) ([]*store.CommunicationRecipient, error) {
	var out []*store.CommunicationRecipient
	for _, rec := range f.recipients {
		if rec.Status == store.StatusPending {
			out = append(out, rec)
		} else if rec.Status == store.StatusFailed && rec.Attempts < maxAttempts &&
			(rec.NextRetryAt == nil || !rec.NextRetryAt.After(now)) {
			out = append(out, rec)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f *fakeCommStore) find(id uuid.UUID) *store.CommunicationRecipient {
	for _, rec := range f.recipients {
		if rec.ID == id {
			return rec
		}
	}
	return nil
}

func (f *fakeCommStore) MarkRecipientSent(ctx context.Context, id uuid.UUID, attempts int) error {
	rec := f.find(id)
	rec.Status = store.StatusSent
	rec.Attempts = attempts
	rec.NextRetryAt = nil
	return nil
}

func (f *fakeCommStore) MarkRecipientSkipped(ctx context.Context, id uuid.UUID) error {
	f.find(id).Status = store.StatusSkipped
	return nil
}

func (f *fakeCommStore) RecordRecipientFailure(ctx context.Context, id uuid.UUID, attempts int, lastError string, nextRetryAt *time.Time) error {
	rec := f.find(id)
	rec.Status = store.StatusFailed
	rec.Attempts = attempts
	rec.LastError = &lastError
	rec.NextRetryAt = nextRetryAt
	return nil
}

func (f *fakeCommStore) NonTerminalCount(ctx context.Context, commID uuid.UUID, maxAttempts int) (int, error) {
	count := 0
	for _, rec := range f.recipients {
		if rec.Status == store.StatusPending ||
			(rec.Status == store.StatusFailed && rec.Attempts < maxAttempts) {
			count++
		}
	}
	return count, nil
}

func (f *fakeCommStore) Finalize(ctx context.Context, commID uuid.UUID) (string, error) {
	f.finalized = true
	sent, failed := 0, 0
	for _, rec := range f.recipients {
		switch rec.Status {
		case store.StatusSent:
			sent++
		case store.StatusFailed:
			failed++
		}
	}
	f.comm.Status = store.DeriveCommunicationStatus(sent, failed)
	return f.comm.Status, nil
}

type fakePrefs struct {
	optedOut map[uuid.UUID]bool
}

func (f *fakePrefs) Get(ctx context.Context, recipientID uuid.UUID) (*store.RecipientPrefs, error) {
	return &store.RecipientPrefs{
		RecipientID:      recipientID,
		PreferredChannel: "email",
		Timezone:         "UTC",
		OptedOut:         f.optedOut[recipientID],
	}, nil
}

// allowAfter denies the first n consumes, then allows everything.
type fakeLimiter struct {
	denials int
	calls   int
	keys    []string
}

func (f *fakeLimiter) Consume(ctx context.Context, key, fn string) (*beaconredis.RateLimitResult, error) {
	f.calls++
	f.keys = append(f.keys, fn+"|"+key)
	if f.calls <= f.denials {
		return &beaconredis.RateLimitResult{Allowed: false, ResetIn: 30 * time.Second}, nil
	}
	return &beaconredis.RateLimitResult{Allowed: true, Remaining: 1, ResetIn: time.Minute}, nil
}

// windowLimiter enforces a real fixed-window budget per key; the test's
// injected sleep stands in for window expiry.
type windowLimiter struct {
	limit int
	count map[string]int
	keys  []string
}

func (f *windowLimiter) Consume(ctx context.Context, key, fn string) (*beaconredis.RateLimitResult, error) {
	if f.count == nil {
		f.count = make(map[string]int)
	}
	f.keys = append(f.keys, fn+"|"+key)
	f.count[key]++
	if f.count[key] > f.limit {
		return &beaconredis.RateLimitResult{Allowed: false, ResetIn: time.Minute}, nil
	}
	return &beaconredis.RateLimitResult{Allowed: true, Remaining: f.limit - f.count[key], ResetIn: time.Minute}, nil
}

// scriptedAdapter fails sends to addresses in the fail set.
type scriptedAdapter struct {
	channel   channel.Channel
	failWith  map[string]error
	sendCount map[string]int
}

func (a *scriptedAdapter) Channel() channel.Channel { return a.channel }

func (a *scriptedAdapter) Send(ctx context.Context, address string, content channel.Content) (*channel.Result, error) {
	if a.sendCount == nil {
		a.sendCount = make(map[string]int)
	}
	a.sendCount[address]++
	if err, ok := a.failWith[address]; ok {
		return nil, err
	}
	return &channel.Result{ProviderMessageID: "msg-" + address}, nil
}

func testComm() *store.BulkCommunication {
	return &store.BulkCommunication{
		ID:      uuid.New(),
		Subject: "March check-in",
		Channel: "email",
		Body:    "How did the month go?",
		Status:  store.CommStatusScheduled,
	}
}

func testRecipient(commID uuid.UUID, address string) *store.CommunicationRecipient {
	return &store.CommunicationRecipient{
		ID:              uuid.New(),
		CommunicationID: commID,
		RecipientID:     uuid.New(),
		Address:         address,
		Status:          store.StatusPending,
	}
}

func testProcessor(t *testing.T, comms *fakeCommStore, prefs *fakePrefs, limiter Limiter, adapter channel.Adapter) *Processor {
	t.Helper()
	logger := zap.NewNop()
	registry := channel.NewRegistry(logger, adapter)
	p := New(comms, prefs, limiter, registry, Config{
		PageSize: 2, // small page to exercise the one-page-per-call bound
		Policy:   retry.NewPolicy(nil, 3),
	}, logger)
	p.sleep = func(ctx context.Context, d time.Duration) {} // no real waiting in tests
	return p
}

func TestProcessBatch_AllSent(t *testing.T) {
	comm := testComm()
	comms := &fakeCommStore{comm: comm, recipients: []*store.CommunicationRecipient{
		testRecipient(comm.ID, "a@example.com"),
		testRecipient(comm.ID, "b@example.com"),
	}}

	adapter := &scriptedAdapter{channel: channel.ChannelEmail}
	p := testProcessor(t, comms, &fakePrefs{}, &fakeLimiter{}, adapter)

	summary, err := p.ProcessBatch(context.Background(), comm.ID)
	if err != nil {
		t.Fatalf("ProcessBatch failed: %v", err)
	}

	if summary.Sent != 2 {
		t.Errorf("sent = %d, want 2", summary.Sent)
	}
	if summary.Status != store.CommStatusSent {
		t.Errorf("status = %s, want sent", summary.Status)
	}
	if !comms.finalized {
		t.Error("fully resolved batch must be finalized")
	}
}

func TestProcessBatch_OnePagePerInvocation(t *testing.T) {
	comm := testComm()
	comms := &fakeCommStore{comm: comm, recipients: []*store.CommunicationRecipient{
		testRecipient(comm.ID, "a@example.com"),
		testRecipient(comm.ID, "b@example.com"),
		testRecipient(comm.ID, "c@example.com"),
	}}

	adapter := &scriptedAdapter{channel: channel.ChannelEmail}
	p := testProcessor(t, comms, &fakePrefs{}, &fakeLimiter{}, adapter)

	// First call covers exactly one page and leaves the batch sending.
	summary, err := p.ProcessBatch(context.Background(), comm.ID)
	if err != nil {
		t.Fatalf("ProcessBatch failed: %v", err)
	}
	if summary.Sent != 2 {
		t.Errorf("first call sent = %d, want one page of 2", summary.Sent)
	}
	if summary.Status != store.CommStatusSending {
		t.Errorf("first call status = %s, want sending", summary.Status)
	}
	if comms.finalized {
		t.Error("batch with an unprocessed page must not be finalized")
	}

	// Second call picks up the remainder and finalizes.
	summary, err = p.ProcessBatch(context.Background(), comm.ID)
	if err != nil {
		t.Fatalf("second ProcessBatch failed: %v", err)
	}
	if summary.Sent != 1 {
		t.Errorf("second call sent = %d, want 1", summary.Sent)
	}
	if summary.Status != store.CommStatusSent {
		t.Errorf("second call status = %s, want sent", summary.Status)
	}
	if !comms.finalized {
		t.Error("drained batch must be finalized")
	}
}

func TestProcessBatch_ChannelBudgetSharedAcrossRecipients(t *testing.T) {
	comm := testComm()
	comms := &fakeCommStore{comm: comm, recipients: []*store.CommunicationRecipient{
		testRecipient(comm.ID, "a@example.com"),
		testRecipient(comm.ID, "b@example.com"),
	}}

	adapter := &scriptedAdapter{channel: channel.ChannelEmail}
	limiter := &windowLimiter{limit: 1}
	p := testProcessor(t, comms, &fakePrefs{}, limiter, adapter)

	slept := 0
	p.sleep = func(ctx context.Context, d time.Duration) {
		slept++
		limiter.count = map[string]int{} // window expires
	}

	summary, err := p.ProcessBatch(context.Background(), comm.ID)
	if err != nil {
		t.Fatalf("ProcessBatch failed: %v", err)
	}

	if summary.Sent != 2 {
		t.Errorf("sent = %d, want 2", summary.Sent)
	}
	if slept != 1 {
		t.Errorf("slept %d times, want 1 - the second recipient exhausts the shared budget", slept)
	}
	for _, key := range limiter.keys {
		if key != "bulk|email" {
			t.Errorf("limiter key = %q, want the channel budget key bulk|email", key)
		}
	}
}

func TestProcessBatch_OptOutSkipsWithoutSending(t *testing.T) {
	comm := testComm()
	optedOut := testRecipient(comm.ID, "quiet@example.com")
	comms := &fakeCommStore{comm: comm, recipients: []*store.CommunicationRecipient{
		optedOut,
		testRecipient(comm.ID, "a@example.com"),
	}}

	adapter := &scriptedAdapter{channel: channel.ChannelEmail}
	prefs := &fakePrefs{optedOut: map[uuid.UUID]bool{optedOut.RecipientID: true}}
	p := testProcessor(t, comms, prefs, &fakeLimiter{}, adapter)

	summary, err := p.ProcessBatch(context.Background(), comm.ID)
	if err != nil {
		t.Fatalf("ProcessBatch failed: %v", err)
	}

	if summary.Skipped != 1 || summary.Sent != 1 {
		t.Errorf("summary = %+v, want 1 skipped 1 sent", summary)
	}
	if adapter.sendCount["quiet@example.com"] != 0 {
		t.Error("opted-out recipient must never reach the provider")
	}
	if summary.Status != store.CommStatusSent {
		t.Errorf("status = %s, want sent - skips count toward neither side", summary.Status)
	}
}

func TestProcessBatch_PermanentFailureConsumesBudget(t *testing.T) {
	comm := testComm()
	dead := testRecipient(comm.ID, "dead@example.com")
	comms := &fakeCommStore{comm: comm, recipients: []*store.CommunicationRecipient{
		dead,
		testRecipient(comm.ID, "a@example.com"),
	}}

	adapter := &scriptedAdapter{
		channel: channel.ChannelEmail,
		failWith: map[string]error{
			"dead@example.com": &channel.PermanentError{Err: errors.New("address rejected")},
		},
	}
	p := testProcessor(t, comms, &fakePrefs{}, &fakeLimiter{}, adapter)

	summary, err := p.ProcessBatch(context.Background(), comm.ID)
	if err != nil {
		t.Fatalf("ProcessBatch failed: %v", err)
	}

	if summary.Failed != 1 {
		t.Errorf("failed = %d, want 1", summary.Failed)
	}
	if adapter.sendCount["dead@example.com"] != 1 {
		t.Errorf("provider calls = %d, want 1 - permanent rejection must not retry", adapter.sendCount["dead@example.com"])
	}
	if summary.Status != store.CommStatusPartial {
		t.Errorf("status = %s, want partial", summary.Status)
	}
}

func TestProcessBatch_TransientFailureLeavesSending(t *testing.T) {
	comm := testComm()
	flaky := testRecipient(comm.ID, "flaky@example.com")
	comms := &fakeCommStore{comm: comm, recipients: []*store.CommunicationRecipient{flaky}}

	adapter := &scriptedAdapter{
		channel: channel.ChannelEmail,
		failWith: map[string]error{
			"flaky@example.com": errors.New("provider timeout"),
		},
	}
	p := testProcessor(t, comms, &fakePrefs{}, &fakeLimiter{}, adapter)

	summary, err := p.ProcessBatch(context.Background(), comm.ID)
	if err != nil {
		t.Fatalf("ProcessBatch failed: %v", err)
	}

	if summary.Retrying != 1 {
		t.Errorf("retrying = %d, want 1", summary.Retrying)
	}
	if summary.Status != store.CommStatusSending {
		t.Errorf("status = %s, want sending - retry budget remains", summary.Status)
	}
	if comms.finalized {
		t.Error("batch with pending retries must not be finalized")
	}
	if flaky.NextRetryAt == nil || !flaky.NextRetryAt.After(time.Now()) {
		t.Error("transient failure should schedule a future retry")
	}
}

func TestProcessBatch_ExhaustedAttemptsAreTerminal(t *testing.T) {
	comm := testComm()
	flaky := testRecipient(comm.ID, "flaky@example.com")
	flaky.Status = store.StatusFailed
	flaky.Attempts = 2 // one attempt left

	comms := &fakeCommStore{comm: comm, recipients: []*store.CommunicationRecipient{flaky}}
	adapter := &scriptedAdapter{
		channel: channel.ChannelEmail,
		failWith: map[string]error{
			"flaky@example.com": errors.New("provider timeout"),
		},
	}
	p := testProcessor(t, comms, &fakePrefs{}, &fakeLimiter{}, adapter)

	summary, err := p.ProcessBatch(context.Background(), comm.ID)
	if err != nil {
		t.Fatalf("ProcessBatch failed: %v", err)
	}

	if summary.Failed != 1 {
		t.Errorf("failed = %d, want 1 - third failure exhausts the budget", summary.Failed)
	}
	if flaky.NextRetryAt != nil {
		t.Error("terminal failure must not carry a retry slot")
	}
	if summary.Status != store.CommStatusFailed {
		t.Errorf("status = %s, want failed - nothing succeeded", summary.Status)
	}
}

func TestProcessBatch_WaitsOutRateLimitWindow(t *testing.T) {
	comm := testComm()
	comms := &fakeCommStore{comm: comm, recipients: []*store.CommunicationRecipient{
		testRecipient(comm.ID, "a@example.com"),
	}}

	adapter := &scriptedAdapter{channel: channel.ChannelEmail}
	limiter := &fakeLimiter{denials: 2}
	p := testProcessor(t, comms, &fakePrefs{}, limiter, adapter)

	var slept []time.Duration
	p.sleep = func(ctx context.Context, d time.Duration) { slept = append(slept, d) }

	summary, err := p.ProcessBatch(context.Background(), comm.ID)
	if err != nil {
		t.Fatalf("ProcessBatch failed: %v", err)
	}

	if summary.Sent != 1 {
		t.Errorf("sent = %d, want 1 after the window resets", summary.Sent)
	}
	if len(slept) != 2 {
		t.Errorf("slept %d times, want 2", len(slept))
	}
	if limiter.calls != 3 {
		t.Errorf("limiter calls = %d, want 3", limiter.calls)
	}
}
