package marketsync

import (
	"strings"
	"testing"
	"time"

	"bitbucket.org/mmdatafocus/orderlink_backend/models"
)

func TestNaturalKeys_Deterministic(t *testing.T) {
	if PostingKey("Store-1", "SO-1001") != PostingKey("store-1", "so-1001") {
		t.Fatal("posting key must be case-insensitive")
	}
	if PostingKey(" store-1 ", "so-1001") != PostingKey("store-1", "so-1001") {
		t.Fatal("posting key must trim whitespace")
	}
	if LabelKey("store-1", "so-1001", "DHL") != "store-1:so-1001:dhl" {
		t.Fatalf("unexpected label key: %s", LabelKey("store-1", "so-1001", "DHL"))
	}
	if TrackingKey("store-1", "so-1001", "TRK-9") == TrackingKey("store-1", "so-1001", "TRK-10") {
		t.Fatal("different tracking numbers must yield different keys")
	}
}

func TestNaturalKeys_DistinctPerKindInputs(t *testing.T) {
	a := LabelKey("store-1", "so-1", "dhl")
	b := LabelKey("store-1", "so-1", "fedex")
	if a == b {
		t.Fatal("carrier must participate in the label key")
	}
}

func TestDateRangeHash_StableAndBounded(t *testing.T) {
	h1 := DateRangeHash("2026-08-01", "2026-08-31")
	h2 := DateRangeHash(" 2026-08-01 ", "2026-08-31")
	if h1 != h2 {
		t.Fatal("hash must normalize whitespace")
	}
	if len(h1) != 16 {
		t.Fatalf("hash length must stay bounded, got %d", len(h1))
	}
	if h1 == DateRangeHash("2026-08-01", "2026-09-30") {
		t.Fatal("different ranges must hash differently")
	}

	key := SyncRunKey("store-1", SyncTriggeredManual, h1)
	if !strings.HasPrefix(key, "store-1:manual:") {
		t.Fatalf("unexpected sync run key: %s", key)
	}
}

func TestCursorState_RoundTripAndBadInput(t *testing.T) {
	state := CursorState{Orders: CursorEntry{UpdatedSince: "2026-08-01T00:00:00Z", Cursor: "abc"}}
	decoded := DecodeCursorState(EncodeCursorState(state))
	if decoded != state {
		t.Fatalf("cursor state did not round-trip: %+v", decoded)
	}

	if got := DecodeCursorState([]byte("not json")); got != (CursorState{}) {
		t.Fatalf("bad input must decode to zero state, got %+v", got)
	}
	if got := DecodeCursorState(nil); got != (CursorState{}) {
		t.Fatalf("empty input must decode to zero state, got %+v", got)
	}
}

func TestSyncRunSummary_ResultKey(t *testing.T) {
	s := SyncRunSummary{OrdersFetched: 12, OrdersUpserted: 10, ErrorCount: 2, Pages: 1}
	if s.ResultKey() != "orders=10 errors=2" {
		t.Fatalf("unexpected result key: %s", s.ResultKey())
	}
}

func TestSyncRunKey_AdvancesWithCursor(t *testing.T) {
	now := time.Date(2026, 8, 30, 10, 0, 30, 0, time.UTC)
	req := SyncRunRequest{StoreId: "store-1", Trigger: SyncTriggeredManual}
	keyFor := func(conn *models.IntegrationConnection, at time.Time) string {
		return SyncRunKey("store-1", SyncTriggeredManual, DateRangeHash(effectiveSyncFrom(conn, req, at), ""))
	}

	conn := &models.IntegrationConnection{}
	first := keyFor(conn, now)
	if keyFor(conn, now.Add(20*time.Second)) != first {
		t.Fatal("empty-window triggers in the same minute must dedupe")
	}

	// A finished run moves the cursor; the next empty trigger is a new
	// operation, not the finished record.
	conn.CursorStateJSON = EncodeCursorState(CursorState{
		Orders: CursorEntry{UpdatedSince: "2026-08-30T10:01:00Z"},
	})
	if keyFor(conn, now.Add(90*time.Second)) == first {
		t.Fatal("empty-window sync after a finished run must get a distinct key")
	}

	withFrom := SyncRunRequest{StoreId: "store-1", Trigger: SyncTriggeredManual, FromDate: "2026-08-01T00:00:00Z"}
	if effectiveSyncFrom(conn, withFrom, now) != "2026-08-01T00:00:00Z" {
		t.Fatal("explicit fromDate must override the cursor")
	}

	last := time.Date(2026, 8, 29, 0, 0, 0, 0, time.UTC)
	fresh := &models.IntegrationConnection{LastSuccessSyncAt: &last}
	if effectiveSyncFrom(fresh, req, now) != "2026-08-29T00:00:00Z" {
		t.Fatal("last success sync must seed the window when no cursor exists")
	}
}
