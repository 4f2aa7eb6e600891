package billing

import (
	"testing"
	"time"

	"github.com/voxstream/ttscore/internal/store"
)

type fakeLedger struct {
	records []*store.UsageRecord
	usage   map[string]int64
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{usage: make(map[string]int64)}
}

func (f *fakeLedger) RecordUsage(r *store.UsageRecord) error {
	f.records = append(f.records, r)
	f.usage[r.UserID] += r.BillableUnits
	return nil
}

func (f *fakeLedger) UsageSince(userID string, since time.Time) (int64, error) {
	return f.usage[userID], nil
}

func TestBillableUnitsAppliesMultiplier(t *testing.T) {
	ledger := newFakeLedger()
	b := New(ledger, func(model string) float64 {
		if model == "premium-voice" {
			return 2.0
		}
		return 1.0
	}, time.Hour, 0)

	if got := b.BillableUnits("hello", "standard-voice"); got != 5 {
		t.Errorf("standard multiplier: got %d, want 5", got)
	}
	if got := b.BillableUnits("hello", "premium-voice"); got != 10 {
		t.Errorf("premium multiplier: got %d, want 10", got)
	}
}

func TestRecordUsageAppendsLedgerEntry(t *testing.T) {
	ledger := newFakeLedger()
	b := New(ledger, nil, time.Hour, 0)

	if err := b.RecordUsage("job-1", "fp-1", "user-1", "m1", "hello world"); err != nil {
		t.Fatalf("RecordUsage: %v", err)
	}
	if len(ledger.records) != 1 {
		t.Fatalf("expected 1 ledger entry, got %d", len(ledger.records))
	}
	if ledger.records[0].BillableUnits != int64(len("hello world")) {
		t.Errorf("BillableUnits: got %d, want %d", ledger.records[0].BillableUnits, len("hello world"))
	}
}

func TestCheckQuotaUnmeteredAlwaysOK(t *testing.T) {
	ledger := newFakeLedger()
	b := New(ledger, nil, time.Hour, 0)

	ok, spent, limit, err := b.CheckQuota("user-1")
	if err != nil || !ok || spent != 0 || limit != 0 {
		t.Fatalf("unmetered CheckQuota: ok=%v spent=%d limit=%d err=%v", ok, spent, limit, err)
	}
}

func TestCheckQuotaDeniesOverLimit(t *testing.T) {
	ledger := newFakeLedger()
	ledger.usage["user-1"] = 950
	b := New(ledger, nil, time.Hour, 1000)

	ok, spent, limit, err := b.CheckQuota("user-1")
	if err != nil {
		t.Fatalf("CheckQuota: %v", err)
	}
	if !ok || spent != 950 || limit != 1000 {
		t.Fatalf("CheckQuota under limit: ok=%v spent=%d limit=%d", ok, spent, limit)
	}

	ledger.usage["user-1"] = 1000
	ok, _, _, err = b.CheckQuota("user-1")
	if err != nil {
		t.Fatalf("CheckQuota: %v", err)
	}
	if ok {
		t.Error("expected quota denied at limit")
	}
}
