// Package store persists the location stream to sqlite: an append-only
// locations log plus a per-connection sessions summary, with the analytics
// queries served from the log.
package store

import (
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Location is one accepted update as persisted.
type Location struct {
	ConnectionID string    `json:"connectionId"`
	Latitude     float64   `json:"latitude"`
	Longitude    float64   `json:"longitude"`
	IPAddress    string    `json:"ipAddress,omitempty"`
	UserAgent    string    `json:"userAgent,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// HistoryPoint is a single point in one connection's history.
type HistoryPoint struct {
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Timestamp time.Time `json:"timestamp"`
}

// HistoryEntry is a point in the combined history across connections.
type HistoryEntry struct {
	ConnectionID string    `json:"connectionId"`
	Latitude     float64   `json:"latitude"`
	Longitude    float64   `json:"longitude"`
	Timestamp    time.Time `json:"timestamp"`
}

// ActiveUser summarizes one of the busiest connections.
type ActiveUser struct {
	ConnectionID  string    `json:"connectionId"`
	LocationCount int       `json:"locationCount"`
	FirstSeen     time.Time `json:"firstSeen"`
	LastSeen      time.Time `json:"lastSeen"`
	IPAddress     string    `json:"ipAddress,omitempty"`
	UserAgent     string    `json:"userAgent,omitempty"`
}

// TimeRange is the span covered by the locations log.
type TimeRange struct {
	Earliest *time.Time `json:"earliest"`
	Latest   *time.Time `json:"latest"`
}

// Analytics is the aggregate view over the locations log. Every count comes
// from the log itself, not the sessions summary, so retention cleanup cannot
// make the two disagree.
type Analytics struct {
	TotalLocations int          `json:"totalLocations"`
	TotalUsers     int          `json:"totalUsers"`
	Last24Hours    int          `json:"last24Hours"`
	LastHour       int          `json:"lastHour"`
	ActiveUsers    []ActiveUser `json:"activeUsers"`
	TimeRange      TimeRange    `json:"timeRange"`
}

// Store wraps the sqlite database holding locations and sessions.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path with WAL journaling
// so analytics reads don't block the location stream writes.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &Store{db: db}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

func (s *Store) init() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS locations (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			connection_id TEXT NOT NULL,
			latitude REAL NOT NULL,
			longitude REAL NOT NULL,
			ip_address TEXT,
			user_agent TEXT,
			timestamp DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_locations_connection_id ON locations(connection_id)`,
		`CREATE INDEX IF NOT EXISTS idx_locations_timestamp ON locations(timestamp)`,
		`CREATE TABLE IF NOT EXISTS sessions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			connection_id TEXT UNIQUE NOT NULL,
			ip_address TEXT,
			user_agent TEXT,
			first_seen DATETIME NOT NULL,
			last_seen DATETIME NOT NULL,
			location_count INTEGER DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_connection_id ON sessions(connection_id)`,
	}

	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}

	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Append writes one location and upserts its session summary in a single
// transaction. Failures are logged and reported as false; the caller treats
// the update as not persisted but carries on broadcasting.
func (s *Store) Append(loc Location) bool {
	ts := loc.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	} else {
		ts = ts.UTC()
	}

	tx, err := s.db.Begin()
	if err != nil {
		log.Printf("[store] begin append: %v", err)
		return false
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO locations (connection_id, latitude, longitude, ip_address, user_agent, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)
	`, loc.ConnectionID, loc.Latitude, loc.Longitude, loc.IPAddress, loc.UserAgent, ts)
	if err != nil {
		log.Printf("[store] insert location: %v", err)
		return false
	}

	_, err = tx.Exec(`
		INSERT INTO sessions (connection_id, ip_address, user_agent, first_seen, last_seen, location_count)
		VALUES (?, ?, ?, ?, ?, 1)
		ON CONFLICT(connection_id) DO UPDATE SET
			last_seen = excluded.last_seen,
			location_count = location_count + 1
	`, loc.ConnectionID, loc.IPAddress, loc.UserAgent, ts, ts)
	if err != nil {
		log.Printf("[store] upsert session: %v", err)
		return false
	}

	if err := tx.Commit(); err != nil {
		log.Printf("[store] commit append: %v", err)
		return false
	}

	return true
}

// History returns one connection's points, newest first, capped at limit.
func (s *Store) History(connectionID string, limit int) ([]HistoryPoint, error) {
	rows, err := s.db.Query(`
		SELECT latitude, longitude, timestamp
		FROM locations
		WHERE connection_id = ?
		ORDER BY timestamp DESC
		LIMIT ?
	`, connectionID, limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	points := []HistoryPoint{}
	for rows.Next() {
		var p HistoryPoint
		if err := rows.Scan(&p.Latitude, &p.Longitude, &p.Timestamp); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		points = append(points, p)
	}
	return points, rows.Err()
}

// AllHistory returns points across all connections, newest first, optionally
// bounded to an inclusive timestamp range.
func (s *Store) AllHistory(limit int, start, end *time.Time) ([]HistoryEntry, error) {
	query := `SELECT connection_id, latitude, longitude, timestamp FROM locations`
	args := []interface{}{}

	switch {
	case start != nil && end != nil:
		query += ` WHERE timestamp >= ? AND timestamp <= ?`
		args = append(args, start.UTC(), end.UTC())
	case start != nil:
		query += ` WHERE timestamp >= ?`
		args = append(args, start.UTC())
	case end != nil:
		query += ` WHERE timestamp <= ?`
		args = append(args, end.UTC())
	}

	query += ` ORDER BY timestamp DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query all history: %w", err)
	}
	defer rows.Close()

	entries := []HistoryEntry{}
	for rows.Next() {
		var e HistoryEntry
		if err := rows.Scan(&e.ConnectionID, &e.Latitude, &e.Longitude, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scan all history: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Analytics computes the aggregate summary from the locations log.
func (s *Store) Analytics() (*Analytics, error) {
	a := &Analytics{ActiveUsers: []ActiveUser{}}
	now := time.Now().UTC()

	if err := s.db.QueryRow(`SELECT COUNT(*) FROM locations`).Scan(&a.TotalLocations); err != nil {
		return nil, fmt.Errorf("count locations: %w", err)
	}

	if err := s.db.QueryRow(`SELECT COUNT(DISTINCT connection_id) FROM locations`).Scan(&a.TotalUsers); err != nil {
		return nil, fmt.Errorf("count users: %w", err)
	}

	if err := s.db.QueryRow(`SELECT COUNT(*) FROM locations WHERE timestamp >= ?`,
		now.Add(-24*time.Hour)).Scan(&a.Last24Hours); err != nil {
		return nil, fmt.Errorf("count last 24h: %w", err)
	}

	if err := s.db.QueryRow(`SELECT COUNT(*) FROM locations WHERE timestamp >= ?`,
		now.Add(-time.Hour)).Scan(&a.LastHour); err != nil {
		return nil, fmt.Errorf("count last hour: %w", err)
	}

	rows, err := s.db.Query(`
		SELECT connection_id, COUNT(*) as location_count,
		       MIN(timestamp) as first_seen,
		       MAX(timestamp) as last_seen,
		       MAX(ip_address) as ip_address,
		       MAX(user_agent) as user_agent
		FROM locations
		GROUP BY connection_id
		ORDER BY location_count DESC
		LIMIT 10
	`)
	if err != nil {
		return nil, fmt.Errorf("query active users: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var u ActiveUser
		var first, last string
		var ip, agent sql.NullString
		if err := rows.Scan(&u.ConnectionID, &u.LocationCount, &first, &last, &ip, &agent); err != nil {
			return nil, fmt.Errorf("scan active user: %w", err)
		}
		// MIN/MAX are expressions, so the driver hands back raw text
		if u.FirstSeen, err = parseTimestamp(first); err != nil {
			return nil, fmt.Errorf("parse first seen: %w", err)
		}
		if u.LastSeen, err = parseTimestamp(last); err != nil {
			return nil, fmt.Errorf("parse last seen: %w", err)
		}
		u.IPAddress = ip.String
		u.UserAgent = agent.String
		a.ActiveUsers = append(a.ActiveUsers, u)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var earliest, latest sql.NullString
	if err := s.db.QueryRow(`SELECT MIN(timestamp), MAX(timestamp) FROM locations`).Scan(&earliest, &latest); err != nil {
		return nil, fmt.Errorf("query time range: %w", err)
	}
	if earliest.Valid {
		t, err := parseTimestamp(earliest.String)
		if err != nil {
			return nil, fmt.Errorf("parse earliest: %w", err)
		}
		a.TimeRange.Earliest = &t
	}
	if latest.Valid {
		t, err := parseTimestamp(latest.String)
		if err != nil {
			return nil, fmt.Errorf("parse latest: %w", err)
		}
		a.TimeRange.Latest = &t
	}

	return a, nil
}

// timestampFormats mirrors what the sqlite3 driver writes when binding a
// time.Time, plus the bare forms older rows may carry.
var timestampFormats = []string{
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02T15:04:05.999999999-07:00",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

func parseTimestamp(s string) (time.Time, error) {
	for _, layout := range timestampFormats {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}

// Totals returns the location row count and distinct connection count,
// used by the health endpoint.
func (s *Store) Totals() (locations, users int, err error) {
	if err = s.db.QueryRow(`SELECT COUNT(*) FROM locations`).Scan(&locations); err != nil {
		return 0, 0, fmt.Errorf("count locations: %w", err)
	}
	if err = s.db.QueryRow(`SELECT COUNT(DISTINCT connection_id) FROM locations`).Scan(&users); err != nil {
		return 0, 0, fmt.Errorf("count users: %w", err)
	}
	return locations, users, nil
}

// Cleanup deletes location rows older than maxAgeDays and returns how many
// were removed. Sessions are left alone on purpose: they act as a permanent
// ever-seen ledger, which is why analytics counts come from the log only.
func (s *Store) Cleanup(maxAgeDays int) (int64, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -maxAgeDays)

	res, err := s.db.Exec(`DELETE FROM locations WHERE timestamp < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup: %w", err)
	}

	removed, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("cleanup rows affected: %w", err)
	}

	if removed > 0 {
		log.Printf("[store] cleaned up %d location records older than %d days", removed, maxAgeDays)
	}
	return removed, nil
}

// SessionCount returns the number of sessions ever recorded.
func (s *Store) SessionCount() (int, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM sessions`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count sessions: %w", err)
	}
	return n, nil
}
