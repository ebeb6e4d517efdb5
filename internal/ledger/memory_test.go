package ledger

import (
	"context"
	"testing"
	"time"
)

func TestPutGetRoundTrip(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if err := s.Put(ctx, "rx-1", []byte(`{"docType":"prescription"}`), 0); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	v, err := s.Get(ctx, "rx-1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if v.Version != 1 {
		t.Errorf("version = %d, want 1", v.Version)
	}
	if string(v.Value) != `{"docType":"prescription"}` {
		t.Errorf("value = %s", v.Value)
	}
}

func TestGetMissingKey(t *testing.T) {
	s := NewMemoryStore()
	if _, err := s.Get(context.Background(), "absent"); err != ErrNotFound {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestCreateExistingKeyConflicts(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if err := s.Put(ctx, "rx-1", []byte(`{}`), 0); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if err := s.Put(ctx, "rx-1", []byte(`{}`), 0); err != ErrVersionConflict {
		t.Fatalf("second create err = %v, want ErrVersionConflict", err)
	}
}

func TestStaleVersionConflicts(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if err := s.Put(ctx, "rx-1", []byte(`{"n":1}`), 0); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if err := s.Put(ctx, "rx-1", []byte(`{"n":2}`), 1); err != nil {
		t.Fatalf("update failed: %v", err)
	}
	// A writer still holding version 1 must lose.
	if err := s.Put(ctx, "rx-1", []byte(`{"n":3}`), 1); err != ErrVersionConflict {
		t.Fatalf("stale update err = %v, want ErrVersionConflict", err)
	}

	v, err := s.Get(ctx, "rx-1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if v.Version != 2 || string(v.Value) != `{"n":2}` {
		t.Errorf("got version %d value %s, want version 2 value {\"n\":2}", v.Version, v.Value)
	}
}

func TestDeleteTombstonesAndRevive(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if err := s.Put(ctx, "rx-1", []byte(`{"n":1}`), 0); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if err := s.Delete(ctx, "rx-1", 1); err != nil {
		t.Fatalf("delete failed: %v", err)
	}

	if _, err := s.Get(ctx, "rx-1"); err != ErrNotFound {
		t.Fatalf("get after delete err = %v, want ErrNotFound", err)
	}
	exists, err := s.Exists(ctx, "rx-1")
	if err != nil || exists {
		t.Fatalf("exists after delete = %v, %v", exists, err)
	}

	// The key can be recreated; history keeps the tombstone.
	if err := s.Put(ctx, "rx-1", []byte(`{"n":2}`), 0); err != nil {
		t.Fatalf("recreate failed: %v", err)
	}
	revs, err := s.History(ctx, "rx-1")
	if err != nil {
		t.Fatalf("history failed: %v", err)
	}
	if len(revs) != 3 {
		t.Fatalf("history length = %d, want 3", len(revs))
	}
	if !revs[1].Deleted {
		t.Errorf("revision 2 should be a tombstone")
	}
	if revs[2].Version != 3 {
		t.Errorf("revived version = %d, want 3", revs[2].Version)
	}
}

func TestHistoryTimestampsUseClock(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	fixed := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	s.SetClock(func() time.Time { return fixed })

	if err := s.Put(ctx, "rx-1", []byte(`{}`), 0); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	revs, err := s.History(ctx, "rx-1")
	if err != nil {
		t.Fatalf("history failed: %v", err)
	}
	if !revs[0].Timestamp.Equal(fixed) {
		t.Errorf("timestamp = %v, want %v", revs[0].Timestamp, fixed)
	}
}

func TestQuerySelector(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	docs := map[string]string{
		"rx-1": `{"docType":"prescription","patientId":"p1","issuedDate":"2024-01-01T00:00:00Z"}`,
		"rx-2": `{"docType":"prescription","patientId":"p2","issuedDate":"2024-02-01T00:00:00Z"}`,
		"rx-3": `{"docType":"prescription","patientId":"p1","issuedDate":"2024-03-01T00:00:00Z"}`,
		"au-1": `{"docType":"audit","patientId":"p1"}`,
	}
	for k, v := range docs {
		if err := s.Put(ctx, k, []byte(v), 0); err != nil {
			t.Fatalf("put %s failed: %v", k, err)
		}
	}

	out, err := s.Query(ctx, Query{
		Selector:   map[string]string{"docType": "prescription", "patientId": "p1"},
		SortField:  "issuedDate",
		Descending: true,
	})
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("got %d results, want 2", len(out))
	}
	if out[0].Key != "rx-3" || out[1].Key != "rx-1" {
		t.Errorf("order = %s, %s; want rx-3, rx-1", out[0].Key, out[1].Key)
	}
}

func TestQuerySubstringMatchOnArrayField(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	docs := map[string]string{
		"rx-1": `{"docType":"prescription","medications":[{"name":"Amoxicillin"},{"name":"Ibuprofen"}]}`,
		"rx-2": `{"docType":"prescription","medications":[{"name":"Lisinopril"}]}`,
		"rx-3": `{"docType":"prescription","medications":[{"name":"AMOXICILLIN 500mg"}]}`,
	}
	for k, v := range docs {
		if err := s.Put(ctx, k, []byte(v), 0); err != nil {
			t.Fatalf("put %s failed: %v", k, err)
		}
	}

	out, err := s.Query(ctx, Query{
		Selector: map[string]string{"docType": "prescription"},
		Match:    map[string]string{"medications[].name": "amoxi"},
	})
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("got %d results, want 2", len(out))
	}
	if out[0].Key != "rx-1" || out[1].Key != "rx-3" {
		t.Errorf("keys = %s, %s; want rx-1, rx-3", out[0].Key, out[1].Key)
	}
}

func TestQueryMatchTreatsNeedleLiterally(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if err := s.Put(ctx, "rx-1", []byte(`{"medications":[{"name":"Aspirin"}]}`), 0); err != nil {
		t.Fatalf("put failed: %v", err)
	}
	if err := s.Put(ctx, "rx-2", []byte(`{"medications":[{"name":"A.pirin (coated)"}]}`), 0); err != nil {
		t.Fatalf("put failed: %v", err)
	}

	// "." must not act as a wildcard.
	out, err := s.Query(ctx, Query{Match: map[string]string{"medications[].name": "a.pirin"}})
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if len(out) != 1 || out[0].Key != "rx-2" {
		t.Fatalf("got %d results, want only rx-2", len(out))
	}
}

func TestQuerySortTieBrokenByKey(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	same := `{"docType":"prescription","issuedDate":"2024-01-01T00:00:00Z"}`
	for _, k := range []string{"rx-b", "rx-a", "rx-c"} {
		if err := s.Put(ctx, k, []byte(same), 0); err != nil {
			t.Fatalf("put %s failed: %v", k, err)
		}
	}

	out, err := s.Query(ctx, Query{
		Selector:  map[string]string{"docType": "prescription"},
		SortField: "issuedDate",
	})
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	want := []string{"rx-a", "rx-b", "rx-c"}
	for i, k := range want {
		if out[i].Key != k {
			t.Errorf("position %d = %s, want %s", i, out[i].Key, k)
		}
	}
}

func TestQueryLimit(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	for _, k := range []string{"rx-1", "rx-2", "rx-3"} {
		if err := s.Put(ctx, k, []byte(`{"docType":"prescription"}`), 0); err != nil {
			t.Fatalf("put %s failed: %v", k, err)
		}
	}

	out, err := s.Query(ctx, Query{
		Selector: map[string]string{"docType": "prescription"},
		Limit:    2,
	})
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if len(out) != 2 {
		t.Errorf("got %d results, want 2", len(out))
	}
}
