package history

import (
	"database/sql"
	"fmt"
	"io"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore keeps history and pins in a SQLite database
type SQLiteStore struct {
	conn *sql.DB
}

// OpenSQLite opens (or creates) the database at path and initializes the schema
func OpenSQLite(path string) (*SQLiteStore, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// One writer at a time; SQLite serializes writes anyway
	conn.SetMaxOpenConns(1)
	conn.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
	}
	for _, pragma := range pragmas {
		if _, err := conn.Exec(pragma); err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to run %q: %w", pragma, err)
		}
	}

	store := &SQLiteStore{conn: conn}
	if err := store.initSchema(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
CREATE TABLE IF NOT EXISTS history (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	room TEXT NOT NULL,
	line TEXT NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_history_room ON history(room, id);

CREATE TABLE IF NOT EXISTS pins (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	room TEXT NOT NULL,
	line TEXT NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_pins_room ON pins(room, id);
`
	_, err := s.conn.Exec(schema)
	return err
}

// Append implements Store
func (s *SQLiteStore) Append(room, line string) error {
	if err := checkRoom(room); err != nil {
		return err
	}
	_, err := s.conn.Exec(`INSERT INTO history (room, line, created_at) VALUES (?, ?, ?)`,
		room, line, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to append history: %w", err)
	}
	return nil
}

// Replay implements Store
func (s *SQLiteStore) Replay(room string, w io.Writer) error {
	if err := checkRoom(room); err != nil {
		return err
	}

	lines, err := s.queryLines(`SELECT line FROM history WHERE room = ? ORDER BY id`, room)
	if err != nil {
		return fmt.Errorf("failed to load history: %w", err)
	}
	for _, line := range lines {
		if _, err := io.WriteString(w, line+"\n"); err != nil {
			return fmt.Errorf("failed to replay history: %w", err)
		}
	}
	return nil
}

// AppendPin implements Store
func (s *SQLiteStore) AppendPin(room, line string) error {
	if err := checkRoom(room); err != nil {
		return err
	}
	_, err := s.conn.Exec(`INSERT INTO pins (room, line, created_at) VALUES (?, ?, ?)`,
		room, line, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to append pin: %w", err)
	}
	return nil
}

// Pins implements Store
func (s *SQLiteStore) Pins(room string) ([]string, error) {
	if err := checkRoom(room); err != nil {
		return nil, err
	}
	lines, err := s.queryLines(`SELECT line FROM pins WHERE room = ? ORDER BY id`, room)
	if err != nil {
		return nil, fmt.Errorf("failed to load pins: %w", err)
	}
	return lines, nil
}

// RemovePin implements Store. Lookup and delete run in one transaction.
func (s *SQLiteStore) RemovePin(room string, index int) (string, error) {
	if err := checkRoom(room); err != nil {
		return "", err
	}
	if index < 1 {
		return "", ErrInvalidPinIndex
	}

	tx, err := s.conn.Begin()
	if err != nil {
		return "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var id int64
	var line string
	err = tx.QueryRow(`SELECT id, line FROM pins WHERE room = ? ORDER BY id LIMIT 1 OFFSET ?`,
		room, index-1).Scan(&id, &line)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("%w: %d", ErrPinNotFound, index)
	}
	if err != nil {
		return "", fmt.Errorf("failed to find pin: %w", err)
	}

	if _, err := tx.Exec(`DELETE FROM pins WHERE id = ?`, id); err != nil {
		return "", fmt.Errorf("failed to delete pin: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit pin removal: %w", err)
	}
	return line, nil
}

// Rooms implements Store
func (s *SQLiteStore) Rooms() ([]string, error) {
	rooms, err := s.queryLines(`SELECT DISTINCT room FROM history ORDER BY room`)
	if err != nil {
		return nil, fmt.Errorf("failed to list rooms: %w", err)
	}
	return rooms, nil
}

// Close implements Store
func (s *SQLiteStore) Close() error {
	return s.conn.Close()
}

func (s *SQLiteStore) queryLines(query string, args ...any) ([]string, error) {
	rows, err := s.conn.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
