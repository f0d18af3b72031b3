package sqlite

import (
	"context"
	"database/sql"

	"github.com/tinycloudlabs/tinycloud-node/internal/storage"
)

// querier is satisfied by both *sql.DB and *sql.Tx so the same accessors
// serve direct reads and transactional writes.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type queries struct {
	q querier
}

var _ storage.Tx = queries{}

func (s queries) UpsertActor(ctx context.Context, did string, at int64) error {
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO actor (did, created_at) VALUES (?, ?)
		 ON CONFLICT(did) DO NOTHING`,
		did, at)
	return err
}

func (s queries) HasEvent(ctx context.Context, cid string) (bool, error) {
	var count int
	err := s.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM event WHERE cid = ?`, cid).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (s queries) GetEvent(ctx context.Context, cid string) (*storage.EventRecord, error) {
	var rec storage.EventRecord
	var nbf, exp sql.NullInt64
	err := s.q.QueryRowContext(ctx,
		`SELECT cid, kind, actor_did, audience_did, iat, nbf, exp, raw
		 FROM event WHERE cid = ?`, cid).
		Scan(&rec.CID, &rec.Kind, &rec.Issuer, &rec.Audience, &rec.Iat, &nbf, &exp, &rec.Raw)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	rec.Nbf = nbf.Int64
	rec.Exp = exp.Int64

	rows, err := s.q.QueryContext(ctx,
		`SELECT parent_cid FROM event_parent WHERE event_cid = ? ORDER BY parent_cid`, cid)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var parent string
		if err := rows.Scan(&parent); err != nil {
			return nil, err
		}
		rec.Parents = append(rec.Parents, parent)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	resRows, err := s.q.QueryContext(ctx,
		`SELECT resource, ability, COALESCE(caveats, '')
		 FROM event_resource WHERE event_cid = ? ORDER BY resource, ability`, cid)
	if err != nil {
		return nil, err
	}
	defer resRows.Close()
	for resRows.Next() {
		var row storage.ResourceRow
		if err := resRows.Scan(&row.Resource, &row.Ability, &row.Caveats); err != nil {
			return nil, err
		}
		rec.Grants = append(rec.Grants, row)
	}
	return &rec, resRows.Err()
}

func (s queries) InsertEvent(ctx context.Context, rec *storage.EventRecord) error {
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO event (cid, kind, actor_did, audience_did, iat, nbf, exp, raw)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.CID, rec.Kind, rec.Issuer, rec.Audience, rec.Iat,
		nullable(rec.Nbf), nullable(rec.Exp), rec.Raw)
	if err != nil {
		return err
	}
	for _, parent := range rec.Parents {
		if _, err := s.q.ExecContext(ctx,
			`INSERT INTO event_parent (event_cid, parent_cid) VALUES (?, ?)`,
			rec.CID, parent); err != nil {
			return err
		}
	}
	for _, g := range rec.Grants {
		if _, err := s.q.ExecContext(ctx,
			`INSERT INTO event_resource (event_cid, resource, ability, caveats)
			 VALUES (?, ?, ?, ?)
			 ON CONFLICT(event_cid, resource, ability) DO NOTHING`,
			rec.CID, g.Resource, g.Ability, nullableStr(g.Caveats)); err != nil {
			return err
		}
	}
	return nil
}

func (s queries) RevokedAt(ctx context.Context, cid string) (int64, bool, error) {
	var at int64
	err := s.q.QueryRowContext(ctx,
		`SELECT revoked_at FROM revocation WHERE event_cid = ?`, cid).Scan(&at)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return at, true, nil
}

// InsertRevocation marks a delegation revoked. Idempotent; the earliest
// revocation time wins.
func (s queries) InsertRevocation(ctx context.Context, target, revokedBy string, at int64) error {
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO revocation (event_cid, revoked_by, revoked_at) VALUES (?, ?, ?)
		 ON CONFLICT(event_cid) DO UPDATE SET
		   revoked_by = excluded.revoked_by,
		   revoked_at = excluded.revoked_at
		 WHERE excluded.revoked_at < revocation.revoked_at`,
		target, revokedBy, at)
	return err
}

func (s queries) GetKV(ctx context.Context, space, key string) (*storage.KVEntry, error) {
	var e storage.KVEntry
	var contentType sql.NullString
	err := s.q.QueryRowContext(ctx,
		`SELECT space, key, content_cid, content_type, size, created_at, updated_at
		 FROM kv_entry WHERE space = ? AND key = ?`, space, key).
		Scan(&e.Space, &e.Key, &e.ContentCID, &contentType, &e.Size, &e.CreatedAt, &e.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	e.ContentType = contentType.String
	return &e, nil
}

func (s queries) PutKV(ctx context.Context, entry *storage.KVEntry) error {
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO kv_entry (space, key, content_cid, content_type, size, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(space, key) DO UPDATE SET
		   content_cid = excluded.content_cid,
		   content_type = excluded.content_type,
		   size = excluded.size,
		   updated_at = excluded.updated_at`,
		entry.Space, entry.Key, entry.ContentCID, nullableStr(entry.ContentType),
		entry.Size, entry.CreatedAt, entry.UpdatedAt)
	return err
}

func (s queries) DeleteKV(ctx context.Context, space, key string) error {
	res, err := s.q.ExecContext(ctx,
		`DELETE FROM kv_entry WHERE space = ? AND key = ?`, space, key)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s queries) ListKV(ctx context.Context, space, prefix string) ([]string, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT key FROM kv_entry WHERE space = ? AND key LIKE ? ESCAPE '\' ORDER BY key`,
		space, escapeLike(prefix)+"%")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

func (s queries) SpaceUsage(ctx context.Context, space string) (int64, error) {
	var total sql.NullInt64
	err := s.q.QueryRowContext(ctx,
		`SELECT SUM(size) FROM kv_entry WHERE space = ?`, space).Scan(&total)
	if err != nil {
		return 0, err
	}
	return total.Int64, nil
}

func (s queries) ContentReferenced(ctx context.Context, cid string) (bool, error) {
	var count int
	err := s.q.QueryRowContext(ctx,
		`SELECT (SELECT COUNT(*) FROM kv_entry WHERE content_cid = ?)
		      + (SELECT COUNT(*) FROM event WHERE cid = ?)
		      + (SELECT COUNT(*) FROM nonce_seen WHERE response_ref = ?)`,
		cid, cid, cid).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (s queries) GetNonce(ctx context.Context, issuer, nonce string) (*storage.NonceRecord, error) {
	var rec storage.NonceRecord
	var responseRef sql.NullString
	err := s.q.QueryRowContext(ctx,
		`SELECT issuer, nonce, invocation_cid, response_ref, seen_at
		 FROM nonce_seen WHERE issuer = ? AND nonce = ?`, issuer, nonce).
		Scan(&rec.Issuer, &rec.Nonce, &rec.InvocationCID, &responseRef, &rec.SeenAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	rec.ResponseRef = responseRef.String
	return &rec, nil
}

func (s queries) InsertNonce(ctx context.Context, rec *storage.NonceRecord) error {
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO nonce_seen (issuer, nonce, invocation_cid, response_ref, seen_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(issuer, nonce) DO NOTHING`,
		rec.Issuer, rec.Nonce, rec.InvocationCID, nullableStr(rec.ResponseRef), rec.SeenAt)
	return err
}

func nullable(v int64) any {
	if v == 0 {
		return nil
	}
	return v
}

func nullableStr(v string) any {
	if v == "" {
		return nil
	}
	return v
}

// escapeLike escapes LIKE metacharacters in a literal prefix.
func escapeLike(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '%' || c == '_' || c == '\\' {
			out = append(out, '\\')
		}
		out = append(out, c)
	}
	return string(out)
}
