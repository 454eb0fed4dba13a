package payments

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/nsmelov/wgfleet/internal/config"
)

type fakeProvider struct {
	statuses map[string]string
	created  int
}

func (f *fakeProvider) Create(ctx context.Context, amount, currency, description, returnURL string) (*Payment, error) {
	f.created++
	p := &Payment{ID: "pay-1", Status: StatusPending}
	p.Confirmation.ConfirmationURL = "https://pay.example/pay-1"
	return p, nil
}

func (f *fakeProvider) Get(ctx context.Context, id string) (*Payment, error) {
	return &Payment{ID: id, Status: f.statuses[id]}, nil
}

func testService(t *testing.T, provider Provider) (*Service, *Store) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := Open(filepath.Join(t.TempDir(), "payments.json"), logger)
	cfg := &config.Config{}
	cfg.Telegram.VPNName = "TestVPN"
	cfg.Payments.Tariffs = []config.TariffConfig{
		{Months: 1, Days: 30, Price: 299},
		{Months: 3, Days: 90, Price: 799},
	}
	return NewService(provider, store, cfg, logger), store
}

func TestStartRecordsPending(t *testing.T) {
	provider := &fakeProvider{statuses: map[string]string{"pay-1": StatusPending}}
	svc, store := testService(t, provider)

	url, err := svc.Start(context.Background(), 42, "alice", 3)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if url != "https://pay.example/pay-1" {
		t.Errorf("unexpected confirmation URL %q", url)
	}

	rec, ok := store.Get("pay-1")
	if !ok {
		t.Fatal("payment record not stored")
	}
	if rec.Username != "alice" || rec.Days != 90 || rec.Amount != "799.00" || rec.ChatID != 42 {
		t.Errorf("unexpected record: %+v", rec)
	}
	if rec.Status != StatusPending {
		t.Errorf("status = %q, want pending", rec.Status)
	}
}

func TestStartUnknownTariff(t *testing.T) {
	svc, _ := testService(t, &fakeProvider{})
	if _, err := svc.Start(context.Background(), 42, "alice", 7); err == nil {
		t.Fatal("expected error for unknown tariff")
	}
}

func TestCheckPendingFulfillsSucceeded(t *testing.T) {
	provider := &fakeProvider{statuses: map[string]string{"pay-1": StatusPending}}
	svc, store := testService(t, provider)

	if _, err := svc.Start(context.Background(), 42, "alice", 1); err != nil {
		t.Fatal(err)
	}

	var paid []Record
	svc.OnPaid = func(ctx context.Context, rec Record) { paid = append(paid, rec) }

	// Still pending: nothing should fire.
	svc.checkPending(context.Background())
	if len(paid) != 0 {
		t.Fatalf("OnPaid fired for a pending payment")
	}

	provider.statuses["pay-1"] = StatusSucceeded
	svc.checkPending(context.Background())
	if len(paid) != 1 || paid[0].Username != "alice" || paid[0].Days != 30 {
		t.Fatalf("unexpected fulfillment: %+v", paid)
	}

	// Terminal status: no second fulfillment.
	svc.checkPending(context.Background())
	if len(paid) != 1 {
		t.Fatalf("payment fulfilled twice")
	}
	if rec, _ := store.Get("pay-1"); rec.Status != StatusSucceeded {
		t.Errorf("status = %q, want succeeded", rec.Status)
	}
}

func TestCheckPendingCanceled(t *testing.T) {
	provider := &fakeProvider{statuses: map[string]string{"pay-1": StatusPending}}
	svc, store := testService(t, provider)

	if _, err := svc.Start(context.Background(), 42, "bob", 1); err != nil {
		t.Fatal(err)
	}
	svc.OnPaid = func(ctx context.Context, rec Record) {
		t.Fatal("OnPaid fired for a canceled payment")
	}

	provider.statuses["pay-1"] = StatusCanceled
	svc.checkPending(context.Background())
	if rec, _ := store.Get("pay-1"); rec.Status != StatusCanceled {
		t.Errorf("status = %q, want canceled", rec.Status)
	}
}

func TestStorePersistence(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	path := filepath.Join(t.TempDir(), "payments.json")

	store := Open(path, logger)
	if err := store.Put(Record{ID: "pay-9", Username: "carol", Status: StatusPending}); err != nil {
		t.Fatal(err)
	}

	reopened := Open(path, logger)
	rec, ok := reopened.Get("pay-9")
	if !ok || rec.Username != "carol" {
		t.Fatalf("record lost across reopen: %+v (ok=%v)", rec, ok)
	}
	if got := reopened.Pending(); len(got) != 1 {
		t.Errorf("Pending() = %d records, want 1", len(got))
	}
}
