package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/oklog/ulid/v2"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// PostgresStore is the production DocumentStore, one jsonb row per document.
// Change subscriptions are in-process: every mutation made through this
// store fans out to local subscribers.
type PostgresStore struct {
	pool *pgxpool.Pool

	mu      sync.Mutex
	subs    map[int]*postgresSub
	nextSub int
	entropy *rand.Rand
}

type postgresSub struct {
	store  *PostgresStore
	id     int
	prefix string
	fn     ChangeHandler
	once   sync.Once
}

func (s *postgresSub) Close() {
	s.once.Do(func() {
		s.store.mu.Lock()
		delete(s.store.subs, s.id)
		s.store.mu.Unlock()
	})
}

// NewPostgresStore connects a pool and runs pending migrations.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	if err := migrate(dsn); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &PostgresStore{
		pool:    pool,
		subs:    make(map[int]*postgresSub),
		entropy: rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

func migrate(dsn string) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return err
	}
	defer db.Close()

	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	return goose.Up(db, "migrations")
}

// Close releases the pool.
func (p *PostgresStore) Close() {
	p.pool.Close()
}

func (p *PostgresStore) Get(ctx context.Context, path string) (Document, error) {
	var raw []byte
	var updatedAt time.Time
	err := p.pool.QueryRow(ctx,
		`SELECT data, updated_at FROM documents WHERE path = $1`, path,
	).Scan(&raw, &updatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Document{}, ErrNotFound
	}
	if err != nil {
		return Document{}, fmt.Errorf("get %s: %w", path, err)
	}
	data := make(map[string]any)
	if err := json.Unmarshal(raw, &data); err != nil {
		return Document{}, fmt.Errorf("decode %s: %w", path, err)
	}
	return Document{Path: path, Data: data, UpdatedAt: updatedAt}, nil
}

func (p *PostgresStore) List(ctx context.Context, collection string) ([]Document, error) {
	prefix := strings.TrimSuffix(collection, "/") + "/"
	rows, err := p.pool.Query(ctx,
		`SELECT path, data, updated_at FROM documents
		 WHERE path LIKE $1 AND position('/' in substring(path from $2)) = 0
		 ORDER BY path`,
		prefix+"%", len(prefix)+1,
	)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", collection, err)
	}
	defer rows.Close()

	var out []Document
	for rows.Next() {
		var doc Document
		var raw []byte
		if err := rows.Scan(&doc.Path, &raw, &doc.UpdatedAt); err != nil {
			return nil, err
		}
		doc.Data = make(map[string]any)
		if err := json.Unmarshal(raw, &doc.Data); err != nil {
			return nil, fmt.Errorf("decode %s: %w", doc.Path, err)
		}
		out = append(out, doc)
	}
	return out, rows.Err()
}

func (p *PostgresStore) Add(ctx context.Context, collection string, data map[string]any) (string, error) {
	p.mu.Lock()
	id := ulid.MustNew(ulid.Timestamp(time.Now()), p.entropy).String()
	p.mu.Unlock()

	path := strings.TrimSuffix(collection, "/") + "/" + id
	if err := p.Set(ctx, path, data); err != nil {
		return "", err
	}
	return id, nil
}

func (p *PostgresStore) Set(ctx context.Context, path string, data map[string]any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	var updatedAt time.Time
	err = p.pool.QueryRow(ctx,
		`INSERT INTO documents (path, data, updated_at) VALUES ($1, $2, now())
		 ON CONFLICT (path) DO UPDATE SET data = EXCLUDED.data, updated_at = now()
		 RETURNING updated_at`,
		path, raw,
	).Scan(&updatedAt)
	if err != nil {
		return fmt.Errorf("set %s: %w", path, err)
	}
	p.notify(Change{Doc: Document{Path: path, Data: data, UpdatedAt: updatedAt}})
	return nil
}

func (p *PostgresStore) Update(ctx context.Context, path string, fields map[string]any) error {
	raw, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	var merged []byte
	var updatedAt time.Time
	err = p.pool.QueryRow(ctx,
		`UPDATE documents SET data = data || $2::jsonb, updated_at = now()
		 WHERE path = $1 RETURNING data, updated_at`,
		path, raw,
	).Scan(&merged, &updatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("update %s: %w", path, err)
	}
	data := make(map[string]any)
	if err := json.Unmarshal(merged, &data); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	p.notify(Change{Doc: Document{Path: path, Data: data, UpdatedAt: updatedAt}})
	return nil
}

func (p *PostgresStore) Delete(ctx context.Context, path string) error {
	tag, err := p.pool.Exec(ctx, `DELETE FROM documents WHERE path = $1`, path)
	if err != nil {
		return fmt.Errorf("delete %s: %w", path, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	p.notify(Change{Doc: Document{Path: path}, Deleted: true})
	return nil
}

func (p *PostgresStore) Subscribe(path string, fn ChangeHandler) Subscription {
	p.mu.Lock()
	defer p.mu.Unlock()
	sub := &postgresSub{store: p, id: p.nextSub, prefix: path, fn: fn}
	p.subs[p.nextSub] = sub
	p.nextSub++
	return sub
}

func (p *PostgresStore) notify(ch Change) {
	p.mu.Lock()
	var handlers []ChangeHandler
	for _, sub := range p.subs {
		if ch.Doc.Path == sub.prefix || strings.HasPrefix(ch.Doc.Path, strings.TrimSuffix(sub.prefix, "/")+"/") {
			handlers = append(handlers, sub.fn)
		}
	}
	p.mu.Unlock()
	for _, fn := range handlers {
		fn(ch)
	}
}
