package sink

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"bleproxy/internal/domain"
	"bleproxy/internal/usecase/codec"
)

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Recorded is one advertisement read back from a Recorder.
type Recorded struct {
	ID            int64
	SessionID     string
	Source        string
	ReceivedAt    time.Time
	Advertisement domain.Advertisement
}

// Recorder persists advertisements to SQLite. Each row stores the wire form of
// the record plus the receiver session it arrived in. Dispatch is a blocking
// write, so the host wraps the recorder in an Async sink.
type Recorder struct {
	db        *sql.DB
	encoder   *codec.Encoder
	decoder   *codec.Decoder
	sessionID string
	source    string
	now       func() time.Time
}

// NewRecorder opens (or creates) the database at path and runs the schema
// migration. Rows written by this recorder are tagged with sessionID and source.
func NewRecorder(path, sessionID, source string) (*Recorder, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create recorder dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open recorder db: %w", err)
	}
	// WAL mode keeps readers (doctor, tests) off the writer's lock.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate recorder db: %w", err)
	}
	return &Recorder{
		db:        db,
		encoder:   codec.NewEncoder(),
		decoder:   codec.NewDecoder(nil),
		sessionID: sessionID,
		source:    source,
		now:       time.Now,
	}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS advertisements (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id  TEXT NOT NULL,
			source      TEXT NOT NULL DEFAULT '',
			address     TEXT NOT NULL,
			rssi        INTEGER,
			record      TEXT NOT NULL,
			observed_ns INTEGER NOT NULL,
			received_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_advertisements_address ON advertisements(address);
		CREATE INDEX IF NOT EXISTS idx_advertisements_received ON advertisements(received_at);
	`)
	return err
}

// Dispatch inserts adv.
func (r *Recorder) Dispatch(ctx context.Context, adv domain.Advertisement) error {
	rec, err := r.encoder.Encode(adv.Raw())
	if err != nil {
		return domain.WrapOp("Recorder.Dispatch", err)
	}
	var rssi any
	if adv.RSSI != nil {
		rssi = *adv.RSSI
	}
	_, err = r.db.ExecContext(ctx,
		"INSERT INTO advertisements (session_id, source, address, rssi, record, observed_ns, received_at) VALUES (?, ?, ?, ?, ?, ?, ?)",
		r.sessionID, r.source, adv.Address, rssi, string(rec.Marshal()),
		int64(adv.ObservedAt), r.now().UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("record advertisement: %w", err)
	}
	return nil
}

// Recent returns up to limit rows, newest first. An empty address matches all.
func (r *Recorder) Recent(ctx context.Context, address string, limit int) ([]Recorded, error) {
	if limit <= 0 {
		limit = 100
	}
	query := "SELECT id, session_id, source, record, observed_ns, received_at FROM advertisements"
	args := []any{}
	if address != "" {
		query += " WHERE address = ?"
		args = append(args, address)
	}
	query += " ORDER BY id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Recorded
	for rows.Next() {
		var (
			rec        Recorded
			record     string
			observedNS int64
			receivedAt string
		)
		if err := rows.Scan(&rec.ID, &rec.SessionID, &rec.Source, &record, &observedNS, &receivedAt); err != nil {
			return nil, err
		}
		adv, err := r.decoder.Decode([]byte(record))
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", rec.ID, err)
		}
		adv.ObservedAt = time.Duration(observedNS)
		rec.Advertisement = adv
		rec.ReceivedAt, _ = time.Parse(timeLayout, receivedAt)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Count returns the number of stored rows.
func (r *Recorder) Count(ctx context.Context) (int64, error) {
	var n int64
	err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM advertisements").Scan(&n)
	return n, err
}

// Prune deletes rows received before cutoff and returns how many were removed.
func (r *Recorder) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		"DELETE FROM advertisements WHERE received_at < ?",
		cutoff.UTC().Format(timeLayout),
	)
	if err != nil {
		return 0, fmt.Errorf("prune advertisements: %w", err)
	}
	return res.RowsAffected()
}

// Close closes the database.
func (r *Recorder) Close() error {
	return r.db.Close()
}

var _ domain.AdvertisementSink = (*Recorder)(nil)
