package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"  // PostgreSQL driver registration.
	_ "modernc.org/sqlite" // SQLite driver registration.

	"yad2_bot/internal/failure"
	"yad2_bot/internal/model"
	"yad2_bot/migrations"
)

const listingColumns = `listings.identity, listings.price, listings.location, listings.attributes,
	listings.search_tag, listings.first_seen, listings.last_seen, listings.notified`

// tagChunk bounds the number of bound parameters in a single IN list.
const tagChunk = 500

var _ Storage = (*SQL)(nil)

// SQL implements Storage backed by SQLite or PostgreSQL.
type SQL struct {
	db      *sql.DB
	dialect migrations.Dialect
	now     func() time.Time

	// mu serializes writers so that concurrent upserts of one identity
	// observe each other.
	mu sync.Mutex
}

// Open opens the store for the named driver ("sqlite" or "postgres").
func Open(ctx context.Context, driver, dsn string) (*SQL, error) {
	switch migrations.Dialect(driver) {
	case migrations.SQLite:
		return NewSQLite(dsn)
	case migrations.Postgres:
		return NewPostgres(ctx, dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
}

// NewSQLite opens a SQLite database at dsn and runs pending migrations.
func NewSQLite(dsn string) (*SQL, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection: ":memory:" databases are per-connection and SQLite
	// has a single writer anyway.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	if err := migrations.Run(db, migrations.SQLite); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return newSQL(db, migrations.SQLite), nil
}

// NewPostgres connects to PostgreSQL, waits for it to accept connections
// and runs pending migrations.
func NewPostgres(ctx context.Context, dsn string) (*SQL, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	for i := 0; i < 10; i++ {
		if err = db.PingContext(ctx); err == nil {
			break
		}
		select {
		case <-ctx.Done():
			_ = db.Close()
			return nil, fmt.Errorf("ping postgres: %w", ctx.Err())
		case <-time.After(2 * time.Second):
		}
	}
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres after retries: %w", err)
	}

	if err := migrations.Run(db, migrations.Postgres); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return newSQL(db, migrations.Postgres), nil
}

func newSQL(db *sql.DB, d migrations.Dialect) *SQL {
	return &SQL{
		db:      db,
		dialect: d,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// SetClock overrides the time source used for first_seen, last_seen and sweeps.
func (s *SQL) SetClock(now func() time.Time) {
	s.now = now
}

// Close closes the underlying database connection.
func (s *SQL) Close() error {
	return s.db.Close()
}

// Ping checks that the database is reachable.
func (s *SQL) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return failure.NewStoreUnavailable("ping", err)
	}
	return nil
}

// Upsert inserts a listing seen for the first time or refreshes a known one.
func (s *SQL) Upsert(ctx context.Context, rec model.ListingRecord) (model.UpsertResult, error) {
	if err := rec.Validate(); err != nil {
		return model.UpsertResult{}, failure.NewParse("upsert listing", err)
	}
	attrs, err := encodeAttributes(rec.Attributes)
	if err != nil {
		return model.UpsertResult{}, failure.NewParse("encode attributes", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := toNanos(s.now())

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.UpsertResult{}, failure.NewStoreUnavailable("begin tx", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, s.q(
		`INSERT INTO listings (identity, price, location, attributes, search_tag, first_seen, last_seen, notified)
		 VALUES (?, ?, ?, ?, ?, ?, ?, FALSE)
		 ON CONFLICT (identity) DO NOTHING`),
		string(rec.ID), nullInt(rec.Price), rec.Location, attrs, rec.SearchTag, now, now,
	)
	if err != nil {
		return model.UpsertResult{}, failure.NewStoreUnavailable("insert listing", err)
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return model.UpsertResult{}, failure.NewStoreUnavailable("rows affected", err)
	}
	isNew := inserted == 1

	if !isNew {
		_, err := tx.ExecContext(ctx, s.q(
			`UPDATE listings
			 SET price = ?, location = ?, attributes = ?,
			     last_seen = CASE WHEN last_seen < ? THEN ? ELSE last_seen END
			 WHERE identity = ?`),
			nullInt(rec.Price), rec.Location, attrs, now, now, string(rec.ID),
		)
		if err != nil {
			return model.UpsertResult{}, failure.NewStoreUnavailable("update listing", err)
		}
	}

	if _, err := tx.ExecContext(ctx, s.q(
		`INSERT INTO listing_search_tags (identity, search_tag) VALUES (?, ?)
		 ON CONFLICT DO NOTHING`),
		string(rec.ID), rec.SearchTag,
	); err != nil {
		return model.UpsertResult{}, failure.NewStoreUnavailable("tag listing", err)
	}

	tracked, err := s.get(ctx, tx, rec.ID)
	if err != nil {
		return model.UpsertResult{}, err
	}

	if err := tx.Commit(); err != nil {
		return model.UpsertResult{}, failure.NewStoreUnavailable("commit upsert", err)
	}
	return model.UpsertResult{IsNew: isNew, Listing: *tracked}, nil
}

// Get returns a single listing by its identity.
func (s *SQL) Get(ctx context.Context, id model.Identity) (*model.TrackedListing, error) {
	return s.get(ctx, s.db, id)
}

func (s *SQL) get(ctx context.Context, q querier, id model.Identity) (*model.TrackedListing, error) {
	row := q.QueryRowContext(ctx, s.q(`SELECT `+listingColumns+` FROM listings WHERE identity = ?`), string(id))
	l, err := scanListing(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, failure.NewStoreUnavailable("get listing", err)
	}

	listings := []model.TrackedListing{l}
	if err := s.loadTags(ctx, q, listings); err != nil {
		return nil, err
	}
	return &listings[0], nil
}

// PendingNotifications returns listings that still await delivery, oldest first.
func (s *SQL) PendingNotifications(ctx context.Context, tag string, limit int) ([]model.TrackedListing, error) {
	query := `SELECT ` + listingColumns + ` FROM listings WHERE listings.notified = FALSE`
	var args []any
	if tag != "" {
		query += ` AND EXISTS (SELECT 1 FROM listing_search_tags t
		                       WHERE t.identity = listings.identity AND t.search_tag = ?)`
		args = append(args, tag)
	}
	query += ` ORDER BY listings.first_seen, listings.identity`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, failure.NewStoreUnavailable("query pending", err)
	}
	defer func() { _ = rows.Close() }()

	var listings []model.TrackedListing
	for rows.Next() {
		l, err := scanListing(rows)
		if err != nil {
			return nil, failure.NewStoreUnavailable("scan pending", err)
		}
		listings = append(listings, l)
	}
	if err := rows.Err(); err != nil {
		return nil, failure.NewStoreUnavailable("iterate pending", err)
	}
	_ = rows.Close()

	if err := s.loadTags(ctx, s.db, listings); err != nil {
		return nil, err
	}
	return listings, nil
}

// MarkNotified records confirmed delivery. Unknown or already notified
// identities are left untouched.
func (s *SQL) MarkNotified(ctx context.Context, id model.Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, s.q(
		`UPDATE listings SET notified = TRUE WHERE identity = ? AND notified = FALSE`),
		string(id),
	)
	if err != nil {
		return failure.NewStoreUnavailable("mark notified", err)
	}
	return nil
}

// SweepStale deletes every listing whose last_seen is older than now-olderThan.
func (s *SQL) SweepStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := toNanos(s.now().Add(-olderThan))

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, failure.NewStoreUnavailable("begin tx", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, s.q(
		`DELETE FROM listing_search_tags
		 WHERE identity IN (SELECT identity FROM listings WHERE last_seen < ?)`),
		cutoff,
	); err != nil {
		return 0, failure.NewStoreUnavailable("delete stale tags", err)
	}

	res, err := tx.ExecContext(ctx, s.q(`DELETE FROM listings WHERE last_seen < ?`), cutoff)
	if err != nil {
		return 0, failure.NewStoreUnavailable("delete stale listings", err)
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, failure.NewStoreUnavailable("rows affected", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, failure.NewStoreUnavailable("commit sweep", err)
	}
	return deleted, nil
}

// Stats returns aggregate counts over the tracked listings.
func (s *SQL) Stats(ctx context.Context) (model.Stats, error) {
	st := model.Stats{BySearchTag: make(map[string]int64)}

	var oldest, newest sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*),
		        COALESCE(SUM(CASE WHEN notified THEN 1 ELSE 0 END), 0),
		        MIN(first_seen),
		        MAX(first_seen)
		 FROM listings`,
	).Scan(&st.Total, &st.Notified, &oldest, &newest)
	if err != nil {
		return model.Stats{}, failure.NewStoreUnavailable("query stats", err)
	}
	st.Pending = st.Total - st.Notified
	if oldest.Valid {
		st.OldestFirstSeen = fromNanos(oldest.Int64)
	}
	if newest.Valid {
		st.NewestFirstSeen = fromNanos(newest.Int64)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT search_tag, COUNT(*) FROM listing_search_tags GROUP BY search_tag`,
	)
	if err != nil {
		return model.Stats{}, failure.NewStoreUnavailable("query tag stats", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var tag string
		var n int64
		if err := rows.Scan(&tag, &n); err != nil {
			return model.Stats{}, failure.NewStoreUnavailable("scan tag stats", err)
		}
		st.BySearchTag[tag] = n
	}
	if err := rows.Err(); err != nil {
		return model.Stats{}, failure.NewStoreUnavailable("iterate tag stats", err)
	}
	return st, nil
}

// loadTags fills SearchTags on each listing in place.
func (s *SQL) loadTags(ctx context.Context, q querier, listings []model.TrackedListing) error {
	index := make(map[model.Identity]int, len(listings))
	for i := range listings {
		index[listings[i].ID] = i
	}

	for start := 0; start < len(listings); start += tagChunk {
		end := min(start+tagChunk, len(listings))
		args := make([]any, 0, end-start)
		for _, l := range listings[start:end] {
			args = append(args, string(l.ID))
		}

		placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(args)), ", ")
		rows, err := q.QueryContext(ctx, s.q(
			`SELECT identity, search_tag FROM listing_search_tags
			 WHERE identity IN (`+placeholders+`)
			 ORDER BY identity, search_tag`),
			args...,
		)
		if err != nil {
			return failure.NewStoreUnavailable("query tags", err)
		}

		for rows.Next() {
			var id, tag string
			if err := rows.Scan(&id, &tag); err != nil {
				_ = rows.Close()
				return failure.NewStoreUnavailable("scan tags", err)
			}
			if i, ok := index[model.Identity(id)]; ok {
				listings[i].SearchTags = append(listings[i].SearchTags, tag)
			}
		}
		err = rows.Err()
		_ = rows.Close()
		if err != nil {
			return failure.NewStoreUnavailable("iterate tags", err)
		}
	}
	return nil
}

// q rewrites "?" placeholders into the dialect's bind syntax.
func (s *SQL) q(query string) string {
	return rebind(s.dialect, query)
}

func rebind(d migrations.Dialect, query string) string {
	if d != migrations.Postgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scannable interface {
	Scan(dest ...any) error
}

func scanListing(row scannable) (model.TrackedListing, error) {
	var l model.TrackedListing
	var id string
	var price sql.NullInt64
	var attrs []byte
	var first, last int64
	err := row.Scan(&id, &price, &l.Location, &attrs, &l.SearchTag, &first, &last, &l.Notified)
	if err != nil {
		return l, err
	}
	l.ID = model.Identity(id)
	if price.Valid {
		v := price.Int64
		l.Price = &v
	}
	if len(attrs) > 0 {
		if err := json.Unmarshal(attrs, &l.Attributes); err != nil {
			return l, fmt.Errorf("decode attributes of %s: %w", id, err)
		}
	}
	l.FirstSeen = fromNanos(first)
	l.LastSeen = fromNanos(last)
	return l, nil
}

func encodeAttributes(a model.Attributes) (string, error) {
	if a == nil {
		return "{}", nil
	}
	b, err := json.Marshal(a)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func nullInt(p *int64) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *p, Valid: true}
}

func toNanos(t time.Time) int64 {
	return t.UTC().UnixNano()
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}
