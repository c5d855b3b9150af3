package summary

import (
	"database/sql"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3" // register the sqlite3 driver
)

// SQLiteSink stores summaries in a SQLite database, tagged with a run ID.
type SQLiteSink struct {
	conn  *sql.DB
	runID string
}

// OpenSQLite opens (or creates) the database at path and registers runID.
func OpenSQLite(path, runID string) (*SQLiteSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("summary: create dir: %w", err)
	}
	conn, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &SQLiteSink{conn: conn, runID: runID}
	if err := s.init(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("initialize database: %w", err)
	}
	return s, nil
}

func (s *SQLiteSink) init() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		started_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS scalars (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		tag TEXT NOT NULL,
		step INTEGER NOT NULL,
		value REAL NOT NULL,
		wall_time TIMESTAMP NOT NULL,
		FOREIGN KEY (run_id) REFERENCES runs(id)
	);

	CREATE TABLE IF NOT EXISTS images (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		tag TEXT NOT NULL,
		step INTEGER NOT NULL,
		idx INTEGER NOT NULL,
		width INTEGER NOT NULL,
		height INTEGER NOT NULL,
		png BLOB NOT NULL,
		FOREIGN KEY (run_id) REFERENCES runs(id)
	);

	CREATE INDEX IF NOT EXISTS idx_scalars_tag ON scalars(run_id, tag, step);
	`
	if _, err := s.conn.Exec(schema); err != nil {
		return err
	}
	_, err := s.conn.Exec(`INSERT OR IGNORE INTO runs (id) VALUES (?)`, s.runID)
	return err
}

// RunID returns the run the sink writes under.
func (s *SQLiteSink) RunID() string {
	return s.runID
}

// Scalar implements Sink.
func (s *SQLiteSink) Scalar(name string, step int64, value float64) error {
	_, err := s.conn.Exec(
		`INSERT INTO scalars (run_id, tag, step, value, wall_time) VALUES (?, ?, ?, ?, ?)`,
		s.runID, name, step, value, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("summary: insert scalar %s: %w", name, err)
	}
	return nil
}

// Images implements Sink. Images are stored as PNG blobs.
func (s *SQLiteSink) Images(name string, step int64, imgs []image.Image, maxOutputs int) error {
	tx, err := s.conn.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for i, img := range limit(imgs, maxOutputs) {
		data, err := EncodePNG(img)
		if err != nil {
			return fmt.Errorf("summary: encode %s[%d]: %w", name, i, err)
		}
		b := img.Bounds()
		_, err = tx.Exec(
			`INSERT INTO images (run_id, tag, step, idx, width, height, png) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			s.runID, name, step, i, b.Dx(), b.Dy(), data,
		)
		if err != nil {
			return fmt.Errorf("summary: insert image %s[%d]: %w", name, i, err)
		}
	}
	return tx.Commit()
}

// ScalarPoint is one stored scalar.
type ScalarPoint struct {
	Step  int64
	Value float64
}

// Scalars returns the series name of this run ordered by step.
func (s *SQLiteSink) Scalars(name string) ([]ScalarPoint, error) {
	rows, err := s.conn.Query(
		`SELECT step, value FROM scalars WHERE run_id = ? AND tag = ? ORDER BY step, id`,
		s.runID, name,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var points []ScalarPoint
	for rows.Next() {
		var p ScalarPoint
		if err := rows.Scan(&p.Step, &p.Value); err != nil {
			return nil, err
		}
		points = append(points, p)
	}
	return points, rows.Err()
}

// ImageCount returns how many images of name were stored at step.
func (s *SQLiteSink) ImageCount(name string, step int64) (int, error) {
	var n int
	err := s.conn.QueryRow(
		`SELECT COUNT(*) FROM images WHERE run_id = ? AND tag = ? AND step = ?`,
		s.runID, name, step,
	).Scan(&n)
	return n, err
}

// Close implements Sink.
func (s *SQLiteSink) Close() error {
	_, _ = s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE);")
	return s.conn.Close()
}
