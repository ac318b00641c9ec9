package notify

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"

	"yad2_bot/internal/failure"
	"yad2_bot/internal/model"
	"yad2_bot/internal/retry"
	"yad2_bot/internal/storage"
)

type sentMessage struct {
	Destination string
	Text        string
}

// mockSink fails deliveries whose text contains a key of failures, consuming
// one queued error per attempt.
type mockSink struct {
	mu       sync.Mutex
	messages []sentMessage
	failures map[string][]error
	attempts int
}

func (m *mockSink) Send(_ context.Context, destination, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts++
	for key, errs := range m.failures {
		if strings.Contains(text, key) && len(errs) > 0 {
			m.failures[key] = errs[1:]
			return errs[0]
		}
	}
	m.messages = append(m.messages, sentMessage{Destination: destination, Text: text})
	return nil
}

func (m *mockSink) getMessages() []sentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]sentMessage, len(m.messages))
	copy(cp, m.messages)
	return cp
}

// flakyStore fails MarkNotified for the listed identities once.
type flakyStore struct {
	*storage.SQL
	mu       sync.Mutex
	failMark map[model.Identity]error
}

func (s *flakyStore) MarkNotified(ctx context.Context, id model.Identity) error {
	s.mu.Lock()
	err, ok := s.failMark[id]
	delete(s.failMark, id)
	s.mu.Unlock()
	if ok {
		return err
	}
	return s.SQL.MarkNotified(ctx, id)
}

type brokenStore struct{}

func (brokenStore) PendingNotifications(context.Context, string, int) ([]model.TrackedListing, error) {
	return nil, failure.NewStoreUnavailable("query pending", errors.New("disk I/O error"))
}

func (brokenStore) MarkNotified(context.Context, model.Identity) error { return nil }

func newTestStore(t *testing.T, ids ...string) *storage.SQL {
	t.Helper()
	s, err := storage.NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("new sqlite: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	s.SetClock(func() time.Time { return now })
	for _, id := range ids {
		rec := model.ListingRecord{
			ID:         model.Identity(id),
			SearchTag:  "honda_civic",
			Attributes: model.Attributes{model.AttrMake: "Honda", model.AttrModel: "model-" + id},
		}
		if _, err := s.Upsert(context.Background(), rec); err != nil {
			t.Fatalf("upsert %s: %v", id, err)
		}
		now = now.Add(time.Second)
	}
	return s
}

func pendingIDs(t *testing.T, s *storage.SQL) []model.Identity {
	t.Helper()
	pending, err := s.PendingNotifications(context.Background(), "", 0)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	var ids []model.Identity
	for _, l := range pending {
		ids = append(ids, l.ID)
	}
	return ids
}

func TestDrainSendsOldestFirst(t *testing.T) {
	store := newTestStore(t, "A", "B", "C")
	sink := &mockSink{}

	d := New(store, sink, "@cars", Options{Retry: retry.Once}, zerolog.Nop())
	res, err := d.Drain(context.Background())
	if err != nil {
		t.Fatalf("drain: %v", err)
	}

	if diff := cmp.Diff(model.DrainResult{Sent: 3}, res); diff != "" {
		t.Errorf("result mismatch (-want +got):\n%s", diff)
	}
	msgs := sink.getMessages()
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}
	for i, id := range []string{"A", "B", "C"} {
		if !strings.Contains(msgs[i].Text, "model-"+id) {
			t.Errorf("message %d is not for %s:\n%s", i, id, msgs[i].Text)
		}
		if diff := cmp.Diff("@cars", msgs[i].Destination); diff != "" {
			t.Errorf("destination mismatch (-want +got):\n%s", diff)
		}
	}
	if ids := pendingIDs(t, store); len(ids) != 0 {
		t.Errorf("expected nothing pending, got %v", ids)
	}

	// A second drain has nothing left to deliver.
	res, err = d.Drain(context.Background())
	if err != nil {
		t.Fatalf("second drain: %v", err)
	}
	if diff := cmp.Diff(model.DrainResult{}, res); diff != "" {
		t.Errorf("second drain mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(3, len(sink.getMessages())); diff != "" {
		t.Errorf("duplicate deliveries (-want +got):\n%s", diff)
	}
}

func TestDrainDefersFailedDeliveries(t *testing.T) {
	store := newTestStore(t, "A", "B", "C")
	sink := &mockSink{failures: map[string][]error{
		"model-B": {failure.NewPermanentDelivery("send", errors.New("Bad Request: chat not found"))},
	}}

	d := New(store, sink, "1", Options{Retry: retry.Policy{MaxAttempts: 3}}, zerolog.Nop())
	res, err := d.Drain(context.Background())
	if err != nil {
		t.Fatalf("drain: %v", err)
	}

	if diff := cmp.Diff(model.DrainResult{Sent: 2, Deferred: 1}, res); diff != "" {
		t.Errorf("result mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]model.Identity{"B"}, pendingIDs(t, store)); diff != "" {
		t.Errorf("pending mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(3, sink.attempts); diff != "" {
		t.Errorf("permanent failure retried (-want +got):\n%s", diff)
	}

	// The deferred listing goes out on the next drain.
	res, err = d.Drain(context.Background())
	if err != nil {
		t.Fatalf("second drain: %v", err)
	}
	if diff := cmp.Diff(model.DrainResult{Sent: 1}, res); diff != "" {
		t.Errorf("second drain mismatch (-want +got):\n%s", diff)
	}
}

func TestDrainRetriesTransientDelivery(t *testing.T) {
	store := newTestStore(t, "A")
	timeout := failure.NewDelivery("send", errors.New("i/o timeout"))
	sink := &mockSink{failures: map[string][]error{"model-A": {timeout, timeout}}}

	d := New(store, sink, "1", Options{Retry: retry.Policy{MaxAttempts: 3}}, zerolog.Nop())
	res, err := d.Drain(context.Background())
	if err != nil {
		t.Fatalf("drain: %v", err)
	}

	if diff := cmp.Diff(model.DrainResult{Sent: 1}, res); diff != "" {
		t.Errorf("result mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(3, sink.attempts); diff != "" {
		t.Errorf("attempts mismatch (-want +got):\n%s", diff)
	}
}

func TestDrainExhaustedRetriesLeavePending(t *testing.T) {
	store := newTestStore(t, "A")
	timeout := failure.NewDelivery("send", errors.New("i/o timeout"))
	sink := &mockSink{failures: map[string][]error{"model-A": {timeout, timeout, timeout}}}

	d := New(store, sink, "1", Options{Retry: retry.Policy{MaxAttempts: 3}}, zerolog.Nop())
	res, err := d.Drain(context.Background())
	if err != nil {
		t.Fatalf("drain: %v", err)
	}

	if diff := cmp.Diff(model.DrainResult{Deferred: 1}, res); diff != "" {
		t.Errorf("result mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]model.Identity{"A"}, pendingIDs(t, store)); diff != "" {
		t.Errorf("pending mismatch (-want +got):\n%s", diff)
	}
}

func TestDrainAtLeastOnceWhenMarkFails(t *testing.T) {
	store := &flakyStore{
		SQL: newTestStore(t, "A", "B"),
		failMark: map[model.Identity]error{
			"A": failure.NewStoreUnavailable("mark notified", errors.New("database is locked")),
		},
	}
	sink := &mockSink{}
	d := New(store, sink, "1", Options{Retry: retry.Once}, zerolog.Nop())

	// Delivery of A succeeds but its sent-state is lost, as if the process
	// died between send and mark.
	res, err := d.Drain(context.Background())
	if !failure.Is(err, failure.StoreUnavailable) {
		t.Fatalf("expected store unavailable, got %v", err)
	}
	if diff := cmp.Diff(model.DrainResult{Sent: 1, Unmarked: 1}, res); diff != "" {
		t.Errorf("result mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]model.Identity{"A", "B"}, pendingIDs(t, store.SQL)); diff != "" {
		t.Errorf("pending mismatch (-want +got):\n%s", diff)
	}

	// The restarted drain delivers A again instead of dropping it.
	res, err = d.Drain(context.Background())
	if err != nil {
		t.Fatalf("second drain: %v", err)
	}
	if diff := cmp.Diff(model.DrainResult{Sent: 2}, res); diff != "" {
		t.Errorf("second drain mismatch (-want +got):\n%s", diff)
	}

	countA := 0
	for _, m := range sink.getMessages() {
		if strings.Contains(m.Text, "model-A") {
			countA++
		}
	}
	if diff := cmp.Diff(2, countA); diff != "" {
		t.Errorf("deliveries of A mismatch (-want +got):\n%s", diff)
	}
	if ids := pendingIDs(t, store.SQL); len(ids) != 0 {
		t.Errorf("expected nothing pending, got %v", ids)
	}
}

func TestDrainLimit(t *testing.T) {
	store := newTestStore(t, "A", "B", "C")
	sink := &mockSink{}

	d := New(store, sink, "1", Options{Retry: retry.Once, Limit: 2}, zerolog.Nop())
	res, err := d.Drain(context.Background())
	if err != nil {
		t.Fatalf("drain: %v", err)
	}

	if diff := cmp.Diff(model.DrainResult{Sent: 2}, res); diff != "" {
		t.Errorf("result mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]model.Identity{"C"}, pendingIDs(t, store)); diff != "" {
		t.Errorf("pending mismatch (-want +got):\n%s", diff)
	}
}

func TestDrainLimitCountsDeliveries(t *testing.T) {
	store := newTestStore(t, "A", "B", "C", "D")
	rejected := failure.NewPermanentDelivery("send", errors.New("Bad Request: can't parse entities"))
	sink := &mockSink{failures: map[string][]error{
		"model-A": {rejected, rejected, rejected},
		"model-B": {rejected, rejected, rejected},
	}}

	d := New(store, sink, "1", Options{Retry: retry.Once, Limit: 2}, zerolog.Nop())

	// A and B keep failing; they must not starve the listings behind them.
	res, err := d.Drain(context.Background())
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if diff := cmp.Diff(model.DrainResult{Sent: 2, Deferred: 2}, res); diff != "" {
		t.Errorf("result mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]model.Identity{"A", "B"}, pendingIDs(t, store)); diff != "" {
		t.Errorf("pending mismatch (-want +got):\n%s", diff)
	}

	// The failing listings stay pending and are retried on the next drain.
	res, err = d.Drain(context.Background())
	if err != nil {
		t.Fatalf("second drain: %v", err)
	}
	if diff := cmp.Diff(model.DrainResult{Deferred: 2}, res); diff != "" {
		t.Errorf("second drain mismatch (-want +got):\n%s", diff)
	}

	var delivered []string
	for _, m := range sink.getMessages() {
		for _, id := range []string{"A", "B", "C", "D"} {
			if strings.Contains(m.Text, "model-"+id) {
				delivered = append(delivered, id)
			}
		}
	}
	if diff := cmp.Diff([]string{"C", "D"}, delivered); diff != "" {
		t.Errorf("delivered mismatch (-want +got):\n%s", diff)
	}
}

func TestDrainLimitWithFewerDeliverable(t *testing.T) {
	store := newTestStore(t, "A", "B", "C")
	rejected := failure.NewPermanentDelivery("send", errors.New("Forbidden: bot was blocked"))
	sink := &mockSink{failures: map[string][]error{
		"model-A": {rejected},
		"model-B": {rejected},
	}}

	d := New(store, sink, "1", Options{Retry: retry.Once, Limit: 2}, zerolog.Nop())
	res, err := d.Drain(context.Background())
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if diff := cmp.Diff(model.DrainResult{Sent: 1, Deferred: 2}, res); diff != "" {
		t.Errorf("result mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(3, sink.attempts); diff != "" {
		t.Errorf("attempts mismatch (-want +got):\n%s", diff)
	}
}

func TestDrainStoreUnavailable(t *testing.T) {
	sink := &mockSink{}
	d := New(brokenStore{}, sink, "1", Options{}, zerolog.Nop())

	_, err := d.Drain(context.Background())
	if !failure.Is(err, failure.StoreUnavailable) {
		t.Fatalf("expected store unavailable, got %v", err)
	}
	if diff := cmp.Diff(0, sink.attempts); diff != "" {
		t.Errorf("attempts mismatch (-want +got):\n%s", diff)
	}
}

func TestDrainCancelledDuringDelay(t *testing.T) {
	store := newTestStore(t, "A", "B")
	sink := &mockSink{}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	d := New(store, sink, "1", Options{Retry: retry.Once, Delay: time.Hour}, zerolog.Nop())
	res, err := d.Drain(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if diff := cmp.Diff(model.DrainResult{Sent: 1}, res); diff != "" {
		t.Errorf("result mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]model.Identity{"B"}, pendingIDs(t, store)); diff != "" {
		t.Errorf("pending mismatch (-want +got):\n%s", diff)
	}
}
