package store

import (
	"path/filepath"
	"testing"
	"time"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "locations.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAppendAndHistory(t *testing.T) {
	s := testStore(t)

	base := time.Now().UTC().Add(-time.Minute)
	for i := 0; i < 3; i++ {
		ok := s.Append(Location{
			ConnectionID: "conn-a",
			Latitude:     40.0 + float64(i),
			Longitude:    -74.0,
			IPAddress:    "203.0.113.7",
			UserAgent:    "test-agent",
			Timestamp:    base.Add(time.Duration(i) * time.Second),
		})
		if !ok {
			t.Fatalf("append %d failed", i)
		}
	}

	points, err := s.History("conn-a", 100)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(points) != 3 {
		t.Fatalf("history len = %d, want 3", len(points))
	}
	// newest first
	if points[0].Latitude != 42.0 || points[2].Latitude != 40.0 {
		t.Errorf("history not descending by timestamp: %+v", points)
	}

	// limit caps the result
	points, err = s.History("conn-a", 2)
	if err != nil {
		t.Fatalf("history with limit: %v", err)
	}
	if len(points) != 2 {
		t.Errorf("limited history len = %d, want 2", len(points))
	}

	// unknown connection yields empty, not error
	points, err = s.History("nobody", 10)
	if err != nil {
		t.Fatalf("history for unknown: %v", err)
	}
	if len(points) != 0 {
		t.Errorf("unknown connection history len = %d, want 0", len(points))
	}
}

func TestSessionUpsert(t *testing.T) {
	s := testStore(t)

	for i := 0; i < 4; i++ {
		s.Append(Location{ConnectionID: "conn-a", Latitude: 1, Longitude: 2})
	}
	s.Append(Location{ConnectionID: "conn-b", Latitude: 3, Longitude: 4})

	n, err := s.SessionCount()
	if err != nil {
		t.Fatalf("session count: %v", err)
	}
	if n != 2 {
		t.Errorf("sessions = %d, want 2 (one per connection)", n)
	}

	a, err := s.Analytics()
	if err != nil {
		t.Fatalf("analytics: %v", err)
	}
	if a.TotalLocations != 5 {
		t.Errorf("totalLocations = %d, want 5", a.TotalLocations)
	}
	if a.TotalUsers != 2 {
		t.Errorf("totalUsers = %d, want 2", a.TotalUsers)
	}
	if len(a.ActiveUsers) != 2 {
		t.Fatalf("activeUsers len = %d, want 2", len(a.ActiveUsers))
	}
	if a.ActiveUsers[0].ConnectionID != "conn-a" || a.ActiveUsers[0].LocationCount != 4 {
		t.Errorf("top active user = %+v, want conn-a with 4", a.ActiveUsers[0])
	}
}

func TestAllHistoryDateRange(t *testing.T) {
	s := testStore(t)

	now := time.Now().UTC()
	times := []time.Time{
		now.Add(-3 * time.Hour),
		now.Add(-2 * time.Hour),
		now.Add(-1 * time.Hour),
	}
	for i, ts := range times {
		s.Append(Location{ConnectionID: "conn-a", Latitude: float64(i), Longitude: 0, Timestamp: ts})
	}

	all, err := s.AllHistory(100, nil, nil)
	if err != nil {
		t.Fatalf("all history: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("all history len = %d, want 3", len(all))
	}
	if all[0].Latitude != 2 {
		t.Errorf("all history should be newest first, got %+v", all[0])
	}

	start := now.Add(-150 * time.Minute)
	entries, err := s.AllHistory(100, &start, nil)
	if err != nil {
		t.Fatalf("all history with start: %v", err)
	}
	if len(entries) != 2 {
		t.Errorf("start-filtered len = %d, want 2", len(entries))
	}

	end := now.Add(-150 * time.Minute)
	entries, err = s.AllHistory(100, nil, &end)
	if err != nil {
		t.Fatalf("all history with end: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("end-filtered len = %d, want 1", len(entries))
	}

	start = now.Add(-150 * time.Minute)
	end = now.Add(-30 * time.Minute)
	entries, err = s.AllHistory(100, &start, &end)
	if err != nil {
		t.Fatalf("all history with range: %v", err)
	}
	if len(entries) != 2 {
		t.Errorf("range-filtered len = %d, want 2", len(entries))
	}
}

func TestAnalyticsWindows(t *testing.T) {
	s := testStore(t)

	now := time.Now().UTC()
	s.Append(Location{ConnectionID: "a", Latitude: 1, Longitude: 1, Timestamp: now.Add(-30 * time.Minute)})
	s.Append(Location{ConnectionID: "a", Latitude: 1, Longitude: 1, Timestamp: now.Add(-2 * time.Hour)})
	s.Append(Location{ConnectionID: "b", Latitude: 1, Longitude: 1, Timestamp: now.Add(-48 * time.Hour)})

	a, err := s.Analytics()
	if err != nil {
		t.Fatalf("analytics: %v", err)
	}
	if a.LastHour != 1 {
		t.Errorf("lastHour = %d, want 1", a.LastHour)
	}
	if a.Last24Hours != 2 {
		t.Errorf("last24Hours = %d, want 2", a.Last24Hours)
	}
	if a.TimeRange.Earliest == nil || a.TimeRange.Latest == nil {
		t.Fatal("time range should be populated")
	}
	if !a.TimeRange.Earliest.Before(*a.TimeRange.Latest) {
		t.Errorf("earliest %v should precede latest %v", a.TimeRange.Earliest, a.TimeRange.Latest)
	}
}

func TestAnalyticsEmptyStore(t *testing.T) {
	s := testStore(t)

	a, err := s.Analytics()
	if err != nil {
		t.Fatalf("analytics on empty store: %v", err)
	}
	if a.TotalLocations != 0 || a.TotalUsers != 0 {
		t.Errorf("empty store totals = %d/%d, want 0/0", a.TotalLocations, a.TotalUsers)
	}
	if a.TimeRange.Earliest != nil || a.TimeRange.Latest != nil {
		t.Error("empty store time range should be nil")
	}
	if len(a.ActiveUsers) != 0 {
		t.Errorf("empty store activeUsers = %v, want none", a.ActiveUsers)
	}
}

func TestCleanup(t *testing.T) {
	s := testStore(t)

	now := time.Now().UTC()
	ages := []int{10, 40, 400}
	for _, days := range ages {
		s.Append(Location{
			ConnectionID: "conn-a",
			Latitude:     1,
			Longitude:    1,
			Timestamp:    now.AddDate(0, 0, -days),
		})
	}

	removed, err := s.Cleanup(30)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if removed != 2 {
		t.Errorf("cleanup removed %d, want 2", removed)
	}

	a, err := s.Analytics()
	if err != nil {
		t.Fatalf("analytics: %v", err)
	}
	if a.TotalLocations != 1 {
		t.Errorf("totalLocations after cleanup = %d, want 1", a.TotalLocations)
	}

	// sessions are an ever-seen ledger and survive cleanup
	n, err := s.SessionCount()
	if err != nil {
		t.Fatalf("session count: %v", err)
	}
	if n != 1 {
		t.Errorf("sessions after cleanup = %d, want 1", n)
	}
}

func TestAppendAfterClose(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "locations.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	s.Close()

	if s.Append(Location{ConnectionID: "a", Latitude: 1, Longitude: 1}) {
		t.Error("append on closed store should report false, not panic")
	}
}
