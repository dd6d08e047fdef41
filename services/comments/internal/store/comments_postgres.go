package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/example/comment-tree/services/comments/internal/events"
)

const commentColumns = `id::text, author, email, homepage, content, level, parent_id::text, created_at, updated_at`

// PostgresCommentStore persists comments and their outbox in Postgres.
type PostgresCommentStore struct {
	pool     *pgxpool.Pool
	now      func() time.Time
	maxDepth int
}

// NewPostgresCommentStore creates a store backed by Postgres. maxDepth <= 0
// selects DefaultMaxEagerDepth.
func NewPostgresCommentStore(pool *pgxpool.Pool, maxDepth int) *PostgresCommentStore {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxEagerDepth
	}
	return &PostgresCommentStore{
		pool:     pool,
		now:      func() time.Time { return time.Now().UTC() },
		maxDepth: maxDepth,
	}
}

func (s *PostgresCommentStore) CreateRoot(ctx context.Context, in NewComment) (Comment, error) {
	var out Comment
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var err error
		out, err = insertComment(ctx, tx, in, 0, nil, s.now())
		if err != nil {
			return err
		}
		return insertOutbox(ctx, tx, creationEvent(out))
	})
	return out, err
}

func (s *PostgresCommentStore) CreateReply(ctx context.Context, parentID string, in NewComment) (Comment, error) {
	if _, err := uuid.Parse(parentID); err != nil {
		return Comment{}, ErrNotFound
	}

	var out Comment
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		// KEY SHARE blocks a concurrent cascade delete of the parent until
		// this reply commits, and fails the reply if the delete won.
		var (
			parentLevel int
			parentAt    time.Time
		)
		err := tx.QueryRow(ctx,
			`SELECT level, created_at FROM comments WHERE id = $1 FOR KEY SHARE`, parentID,
		).Scan(&parentLevel, &parentAt)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}

		now := s.now()
		if now.Before(parentAt) {
			now = parentAt
		}
		out, err = insertComment(ctx, tx, in, parentLevel+1, &parentID, now)
		if err != nil {
			return err
		}
		return insertOutbox(ctx, tx, creationEvent(out))
	})
	return out, err
}

func insertComment(ctx context.Context, tx pgx.Tx, in NewComment, level int, parentID *string, now time.Time) (Comment, error) {
	const q = `INSERT INTO comments (id, author, email, homepage, content, level, parent_id, created_at, updated_at)
	           VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
	           RETURNING ` + commentColumns
	row := tx.QueryRow(ctx, q, uuid.NewString(), in.Author, in.Email, in.Homepage, in.Content, level, parentID, now)
	return scanComment(row)
}

func insertOutbox(ctx context.Context, tx pgx.Tx, ev events.DomainEvent) error {
	payload, err := events.Encode(ev)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO comment_outbox (id, subject, event_type, comment_id, payload) VALUES ($1, $2, $3, $4, $5)`,
		ev.ID, ev.Subject(), string(ev.EventType), ev.CommentID, payload)
	return err
}

// treeQuery loads the rows matching rootPredicate plus maxDepth-1 levels of
// replies in a single statement, so a concurrent cascade delete is either
// fully visible or not at all.
func treeQuery(rootPredicate string) string {
	return `WITH RECURSIVE tree AS (
	    SELECT c.*, 1 AS depth FROM comments c WHERE ` + rootPredicate + `
	    UNION ALL
	    SELECT c.*, t.depth + 1 FROM comments c JOIN tree t ON c.parent_id = t.id
	    WHERE t.depth < $1
	)
	SELECT ` + commentColumns + `, depth = 1 FROM tree`
}

func (s *PostgresCommentStore) loadTree(ctx context.Context, rootPredicate string, args ...any) ([]Node, error) {
	rows, err := s.pool.Query(ctx, treeQuery(rootPredicate), append([]any{s.maxDepth}, args...)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var (
		all   []Comment
		roots = make(map[string]bool)
	)
	for rows.Next() {
		var (
			c      Comment
			isRoot bool
		)
		if err := rows.Scan(&c.ID, &c.Author, &c.Email, &c.Homepage, &c.Content,
			&c.Level, &c.ParentID, &c.CreatedAt, &c.UpdatedAt, &isRoot); err != nil {
			return nil, err
		}
		if isRoot {
			roots[c.ID] = true
		}
		all = append(all, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return buildTree(all, func(c Comment) bool { return roots[c.ID] }), nil
}

func (s *PostgresCommentStore) FindAll(ctx context.Context) ([]Node, error) {
	return s.loadTree(ctx, `c.parent_id IS NULL`)
}

func (s *PostgresCommentStore) FindByID(ctx context.Context, id string) (Node, error) {
	if _, err := uuid.Parse(id); err != nil {
		return Node{}, ErrNotFound
	}
	return s.single(s.loadTree(ctx, `c.id = $2`, id))
}

// FindByHomepage returns the earliest comment carrying homepage.
func (s *PostgresCommentStore) FindByHomepage(ctx context.Context, homepage string) (Node, error) {
	return s.single(s.loadTree(ctx,
		`c.id = (SELECT id FROM comments WHERE homepage = $2 ORDER BY created_at ASC, id ASC LIMIT 1)`, homepage))
}

func (s *PostgresCommentStore) single(nodes []Node, err error) (Node, error) {
	if err != nil {
		return Node{}, err
	}
	if len(nodes) == 0 {
		return Node{}, ErrNotFound
	}
	return nodes[0], nil
}

const subtreeOf = `WITH RECURSIVE sub AS (
    SELECT id FROM comments WHERE %s
    UNION
    SELECT c.id FROM comments c JOIN sub ON c.parent_id = sub.id
)`

func (s *PostgresCommentStore) Delete(ctx context.Context, id string) ([]string, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrNotFound
	}
	removed, err := s.deleteSubtrees(ctx, fmt.Sprintf(subtreeOf, `id = $1`), id)
	if err != nil {
		return nil, err
	}
	if len(removed) == 0 {
		return nil, ErrNotFound
	}
	return removed, nil
}

func (s *PostgresCommentStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) ([]string, error) {
	return s.deleteSubtrees(ctx, fmt.Sprintf(subtreeOf, `created_at < $1`), cutoff)
}

type removedRow struct {
	ID        string
	CreatedAt time.Time
}

// deleteSubtrees locks every row of the selected subtrees in id order, then
// deletes them and records one deleted event per removed row, all in one
// transaction.
func (s *PostgresCommentStore) deleteSubtrees(ctx context.Context, cte string, arg any) ([]string, error) {
	var removed []string
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			cte+` SELECT id FROM comments WHERE id IN (SELECT id FROM sub) ORDER BY id FOR UPDATE`, arg); err != nil {
			return err
		}

		rows, err := tx.Query(ctx, cte+` DELETE FROM comments WHERE id IN (SELECT id FROM sub) RETURNING id::text, created_at`, arg)
		if err != nil {
			return err
		}
		gone, err := pgx.CollectRows(rows, pgx.RowToStructByPos[removedRow])
		if err != nil {
			return err
		}
		if len(gone) == 0 {
			return nil
		}

		at := s.now()
		batch := &pgx.Batch{}
		for _, r := range gone {
			removed = append(removed, r.ID)
			ev := events.Deleted(r.ID, r.CreatedAt, at)
			payload, err := events.Encode(ev)
			if err != nil {
				return err
			}
			batch.Queue(`INSERT INTO comment_outbox (id, subject, event_type, comment_id, payload) VALUES ($1, $2, $3, $4, $5)`,
				ev.ID, ev.Subject(), string(ev.EventType), ev.CommentID, payload)
		}
		return tx.SendBatch(ctx, batch).Close()
	})
	if err != nil {
		return nil, err
	}
	return removed, nil
}

func (s *PostgresCommentStore) Count(ctx context.Context) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx, `SELECT count(*) FROM comments`).Scan(&n)
	return n, err
}

func (s *PostgresCommentStore) Scan(ctx context.Context, since time.Time, batch int, fn func([]Comment) error) error {
	if batch <= 0 {
		batch = 500
	}
	// Keyset pagination on (created_at, id). The nil UUID sorts before every
	// real id, so the first page includes rows created exactly at since.
	afterAt, afterID := since, uuid.Nil.String()
	for {
		const q = `SELECT ` + commentColumns + ` FROM comments
		           WHERE (created_at, id) > ($1, $2::uuid)
		           ORDER BY created_at, id
		           LIMIT $3`
		rows, err := s.pool.Query(ctx, q, afterAt, afterID, batch)
		if err != nil {
			return err
		}
		page, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Comment, error) {
			return scanComment(row)
		})
		if err != nil {
			return err
		}
		if len(page) == 0 {
			return nil
		}
		if err := fn(page); err != nil {
			return err
		}
		if len(page) < batch {
			return nil
		}
		last := page[len(page)-1]
		afterAt, afterID = last.CreatedAt, last.ID
	}
}

func (s *PostgresCommentStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresCommentStore) FlushOutbox(ctx context.Context, opts FlushOptions, publish PublishFunc) (FlushResult, error) {
	opts = opts.withDefaults()
	var res FlushResult

	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
SELECT seq, payload, attempts
FROM comment_outbox
WHERE published_at IS NULL AND failed_at IS NULL
ORDER BY seq
LIMIT $1
FOR UPDATE SKIP LOCKED
`, opts.Limit)
		if err != nil {
			return err
		}
		type item struct {
			seq      int64
			payload  []byte
			attempts int
		}
		items, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (item, error) {
			var it item
			err := row.Scan(&it.seq, &it.payload, &it.attempts)
			return it, err
		})
		if err != nil {
			return err
		}

		published := make([]int64, 0, len(items))
		for _, it := range items {
			var ev events.DomainEvent
			if err := json.Unmarshal(it.payload, &ev); err != nil {
				if _, err := tx.Exec(ctx, `UPDATE comment_outbox SET failed_at = now(), last_error = $2 WHERE seq = $1`,
					it.seq, "undecodable payload: "+err.Error()); err != nil {
					return err
				}
				res.Dead++
				continue
			}

			pubErr := publish(ctx, ev)
			if pubErr == nil {
				published = append(published, it.seq)
				res.Published++
				continue
			}
			if it.attempts+1 >= opts.MaxAttempts {
				if _, err := tx.Exec(ctx,
					`UPDATE comment_outbox SET attempts = attempts + 1, last_error = $2, failed_at = now() WHERE seq = $1`,
					it.seq, pubErr.Error()); err != nil {
					return err
				}
				res.Dead++
				continue
			}
			if _, err := tx.Exec(ctx,
				`UPDATE comment_outbox SET attempts = attempts + 1, last_error = $2 WHERE seq = $1`,
				it.seq, pubErr.Error()); err != nil {
				return err
			}
			res.Failed++
			break
		}

		if len(published) > 0 {
			if _, err := tx.Exec(ctx, `UPDATE comment_outbox SET published_at = now() WHERE seq = ANY($1)`, published); err != nil {
				return err
			}
		}
		return nil
	})
	return res, err
}

func (s *PostgresCommentStore) PendingEvents(ctx context.Context) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM comment_outbox WHERE published_at IS NULL AND failed_at IS NULL`).Scan(&n)
	return n, err
}

func scanComment(row pgx.Row) (Comment, error) {
	var c Comment
	err := row.Scan(&c.ID, &c.Author, &c.Email, &c.Homepage, &c.Content,
		&c.Level, &c.ParentID, &c.CreatedAt, &c.UpdatedAt)
	return c, err
}
