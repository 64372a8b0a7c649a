package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/hanhvu87/Sen13-project/internal/model"
	"github.com/hanhvu87/Sen13-project/internal/timeframe"
)

// Store owns the price database: a symbols dimension, a timeframes
// dimension, and one prices fact table keyed by (symbol, timeframe, ts).
// Timestamps are stored as UTC epoch seconds.
type Store struct {
	db *sql.DB

	provider string

	// OnCommit is an optional metrics hook observing batch write durations.
	OnCommit func(time.Duration)
}

// DB returns the underlying sql.DB for health checks.
func (s *Store) DB() *sql.DB { return s.db }

// Open opens (creating if needed) the database at path. provider tags every
// symbol row so several data sources can share one file.
func Open(path, provider string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}

	// Single writer; SQLite serializes writes anyway and this avoids
	// SQLITE_BUSY churn under concurrent upserts.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}

	log.Printf("[sqlite] opened database at %s", path)
	return &Store{db: db, provider: provider}, nil
}

func createSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS symbols (
			id       INTEGER PRIMARY KEY AUTOINCREMENT,
			name     TEXT    NOT NULL,
			provider TEXT    NOT NULL,
			type     TEXT    NOT NULL DEFAULT '',
			timezone TEXT    NOT NULL DEFAULT '',
			active   INTEGER NOT NULL DEFAULT 1,
			UNIQUE (name, provider)
		);

		CREATE TABLE IF NOT EXISTS timeframes (
			id    INTEGER PRIMARY KEY AUTOINCREMENT,
			label TEXT NOT NULL UNIQUE
		);

		CREATE TABLE IF NOT EXISTS prices (
			symbol_id    INTEGER NOT NULL REFERENCES symbols(id),
			timeframe_id INTEGER NOT NULL REFERENCES timeframes(id),
			ts           INTEGER NOT NULL,
			open         REAL    NOT NULL,
			high         REAL    NOT NULL,
			low          REAL    NOT NULL,
			close        REAL    NOT NULL,
			volume       REAL,
			PRIMARY KEY (symbol_id, timeframe_id, ts)
		);

		CREATE INDEX IF NOT EXISTS idx_prices_ts ON prices (timeframe_id, ts);
	`)
	return err
}

// EnsureSymbol returns the id for (name, provider), inserting the row on
// first sight. Lost insert races resolve through the retry select.
func (s *Store) EnsureSymbol(ctx context.Context, name string) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM symbols WHERE name = ? AND provider = ?`, name, s.provider).Scan(&id)
	if err == nil {
		return id, nil
	}
	if err != sql.ErrNoRows {
		return 0, fmt.Errorf("sqlite select symbol: %w", err)
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO symbols (name, provider) VALUES (?, ?)`, name, s.provider)
	if err != nil {
		return 0, fmt.Errorf("sqlite insert symbol: %w", err)
	}
	if id, err = res.LastInsertId(); err == nil && id != 0 {
		if n, _ := res.RowsAffected(); n > 0 {
			return id, nil
		}
	}

	// Another writer got there first.
	err = s.db.QueryRowContext(ctx,
		`SELECT id FROM symbols WHERE name = ? AND provider = ?`, name, s.provider).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("sqlite reselect symbol: %w", err)
	}
	return id, nil
}

// EnsureTimeframe returns the id for a timeframe label, inserting on first
// sight.
func (s *Store) EnsureTimeframe(ctx context.Context, tf timeframe.Label) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM timeframes WHERE label = ?`, string(tf)).Scan(&id)
	if err == nil {
		return id, nil
	}
	if err != sql.ErrNoRows {
		return 0, fmt.Errorf("sqlite select timeframe: %w", err)
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO timeframes (label) VALUES (?)`, string(tf))
	if err != nil {
		return 0, fmt.Errorf("sqlite insert timeframe: %w", err)
	}
	if id, err = res.LastInsertId(); err == nil && id != 0 {
		if n, _ := res.RowsAffected(); n > 0 {
			return id, nil
		}
	}

	err = s.db.QueryRowContext(ctx,
		`SELECT id FROM timeframes WHERE label = ?`, string(tf)).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("sqlite reselect timeframe: %w", err)
	}
	return id, nil
}

// UpdateSymbolMeta fills in the descriptive columns resolved from the data
// provider.
func (s *Store) UpdateSymbolMeta(ctx context.Context, name, symType, tz string, active bool) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE symbols SET type = ?, timezone = ?, active = ?
		WHERE name = ? AND provider = ?`,
		symType, tz, boolInt(active), name, s.provider)
	if err != nil {
		return fmt.Errorf("sqlite update symbol meta: %w", err)
	}
	return nil
}

// SymbolMeta loads one symbol row.
func (s *Store) SymbolMeta(ctx context.Context, name string) (model.SymbolMeta, error) {
	var m model.SymbolMeta
	var active int
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, provider, type, timezone, active
		FROM symbols WHERE name = ? AND provider = ?`, name, s.provider).
		Scan(&m.ID, &m.Name, &m.Provider, &m.Type, &m.Timezone, &active)
	if err != nil {
		return model.SymbolMeta{}, fmt.Errorf("sqlite select symbol meta: %w", err)
	}
	m.Active = active != 0
	return m, nil
}

// ListActiveSymbols returns the names of all active symbols for this
// provider, for "--all" sync runs.
func (s *Store) ListActiveSymbols(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name FROM symbols
		WHERE provider = ? AND active = 1 ORDER BY name`, s.provider)
	if err != nil {
		return nil, fmt.Errorf("sqlite list symbols: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, fmt.Errorf("sqlite scan symbol: %w", err)
		}
		names = append(names, n)
	}
	return names, rows.Err()
}

// LastTimestamp returns the newest stored bar time for a series, or the zero
// time when no bars exist.
func (s *Store) LastTimestamp(ctx context.Context, symbol string, tf timeframe.Label) (time.Time, error) {
	symID, tfID, err := s.ids(ctx, symbol, tf)
	if err != nil {
		return time.Time{}, err
	}

	var ts sql.NullInt64
	err = s.db.QueryRowContext(ctx,
		`SELECT MAX(ts) FROM prices WHERE symbol_id = ? AND timeframe_id = ?`,
		symID, tfID).Scan(&ts)
	if err != nil {
		return time.Time{}, fmt.Errorf("sqlite max ts: %w", err)
	}
	if !ts.Valid {
		return time.Time{}, nil
	}
	return time.Unix(ts.Int64, 0).UTC(), nil
}

// InsertBars writes bars insert-only in one transaction: rows whose
// timestamp already exists are left untouched. Returns how many rows were
// actually inserted, so callers can report repaired counts honestly.
func (s *Store) InsertBars(ctx context.Context, symbol string, tf timeframe.Label, bars []model.Bar) (int, error) {
	return s.writeBars(ctx, symbol, tf, bars,
		`INSERT OR IGNORE INTO prices (symbol_id, timeframe_id, ts, open, high, low, close, volume)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
}

// ReplaceBars writes bars replace-on-conflict, for refreshing ranges whose
// stored values may have been revised upstream.
func (s *Store) ReplaceBars(ctx context.Context, symbol string, tf timeframe.Label, bars []model.Bar) (int, error) {
	return s.writeBars(ctx, symbol, tf, bars,
		`INSERT OR REPLACE INTO prices (symbol_id, timeframe_id, ts, open, high, low, close, volume)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
}

func (s *Store) writeBars(ctx context.Context, symbol string, tf timeframe.Label, bars []model.Bar, query string) (int, error) {
	if len(bars) == 0 {
		return 0, nil
	}
	symID, tfID, err := s.ids(ctx, symbol, tf)
	if err != nil {
		return 0, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("sqlite begin: %w", err)
	}

	stmt, err := tx.Prepare(query)
	if err != nil {
		tx.Rollback()
		return 0, fmt.Errorf("sqlite prepare: %w", err)
	}
	defer stmt.Close()

	start := time.Now()
	written := 0
	for _, b := range bars {
		var vol interface{}
		if b.HasVolume {
			vol = b.Volume
		}
		res, err := stmt.Exec(symID, tfID, b.TS.UTC().Unix(), b.Open, b.High, b.Low, b.Close, vol)
		if err != nil {
			tx.Rollback()
			return 0, fmt.Errorf("sqlite write bar: %w", err)
		}
		if n, err := res.RowsAffected(); err == nil {
			written += int(n)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("sqlite commit: %w", err)
	}
	elapsed := time.Since(start)
	if s.OnCommit != nil {
		s.OnCommit(elapsed)
	}
	log.Printf("[sqlite] %s %s: wrote %d/%d bars in %v", symbol, tf, written, len(bars), elapsed)
	return written, nil
}

// ReadBars returns bars for [from, to), ascending by timestamp.
func (s *Store) ReadBars(ctx context.Context, symbol string, tf timeframe.Label, from, to time.Time) ([]model.Bar, error) {
	symID, tfID, err := s.ids(ctx, symbol, tf)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT ts, open, high, low, close, volume
		FROM prices
		WHERE symbol_id = ? AND timeframe_id = ? AND ts >= ? AND ts < ?
		ORDER BY ts ASC`,
		symID, tfID, from.UTC().Unix(), to.UTC().Unix())
	if err != nil {
		return nil, fmt.Errorf("sqlite query prices: %w", err)
	}
	defer rows.Close()

	var bars []model.Bar
	for rows.Next() {
		var b model.Bar
		var tsUnix int64
		var vol sql.NullFloat64
		if err := rows.Scan(&tsUnix, &b.Open, &b.High, &b.Low, &b.Close, &vol); err != nil {
			return nil, fmt.Errorf("sqlite scan price: %w", err)
		}
		b.TS = time.Unix(tsUnix, 0).UTC()
		if vol.Valid {
			b.Volume = vol.Float64
			b.HasVolume = true
		}
		bars = append(bars, b)
	}
	return bars, rows.Err()
}

// ReadTimestamps returns just the stored bar times for [from, to), for gap
// detection over long windows without hauling full rows.
func (s *Store) ReadTimestamps(ctx context.Context, symbol string, tf timeframe.Label, from, to time.Time) ([]time.Time, error) {
	symID, tfID, err := s.ids(ctx, symbol, tf)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT ts FROM prices
		WHERE symbol_id = ? AND timeframe_id = ? AND ts >= ? AND ts < ?
		ORDER BY ts ASC`,
		symID, tfID, from.UTC().Unix(), to.UTC().Unix())
	if err != nil {
		return nil, fmt.Errorf("sqlite query timestamps: %w", err)
	}
	defer rows.Close()

	var out []time.Time
	for rows.Next() {
		var tsUnix int64
		if err := rows.Scan(&tsUnix); err != nil {
			return nil, fmt.Errorf("sqlite scan timestamp: %w", err)
		}
		out = append(out, time.Unix(tsUnix, 0).UTC())
	}
	return out, rows.Err()
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) ids(ctx context.Context, symbol string, tf timeframe.Label) (int64, int64, error) {
	symID, err := s.EnsureSymbol(ctx, symbol)
	if err != nil {
		return 0, 0, err
	}
	tfID, err := s.EnsureTimeframe(ctx, tf)
	if err != nil {
		return 0, 0, err
	}
	return symID, tfID, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
