package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/wesm/mboxstream/internal/upload"
)

// Records is an upload.RecordStore backed by the records table.
type Records struct {
	s   *Store
	max int
}

var _ upload.RecordStore = (*Records)(nil)

// Records returns a record store on s. maxPerSession bounds the records of
// one session; 0 means no bound.
func (s *Store) Records(maxPerSession int) *Records {
	return &Records{s: s, max: maxPerSession}
}

func (r *Records) Append(sessionID string, rec upload.Record) (upload.Record, error) {
	err := r.s.withTx(func(tx *sql.Tx) error {
		var n int
		if err := tx.QueryRow(`SELECT COUNT(*) FROM records WHERE session_id = ?`, sessionID).Scan(&n); err != nil {
			return fmt.Errorf("count records: %w", err)
		}
		if r.max > 0 && n >= r.max {
			return fmt.Errorf("%w (%d)", upload.ErrRecordLimit, r.max)
		}
		rec.Ordinal = n
		_, err := tx.Exec(`
			INSERT INTO records (session_id, ordinal, byte_offset, subject, sender,
				recipient, sent_at, has_attachments, body_excerpt)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			sessionID, rec.Ordinal, rec.Offset, rec.Subject, rec.Sender,
			rec.Recipient, unixOrNull(rec.Date), rec.HasAttachments, rec.BodyExcerpt)
		if isConstraintError(err) {
			return fmt.Errorf("record %d of session %s already exists: %w", rec.Ordinal, sessionID, err)
		}
		if err != nil {
			return fmt.Errorf("insert record: %w", err)
		}
		return nil
	})
	if err != nil {
		return upload.Record{}, err
	}
	return rec, nil
}

func (r *Records) Replace(sessionID string, rec upload.Record) error {
	res, err := r.s.db.Exec(`
		UPDATE records SET byte_offset = ?, subject = ?, sender = ?, recipient = ?,
			sent_at = ?, has_attachments = ?, body_excerpt = ?
		WHERE session_id = ? AND ordinal = ?`,
		rec.Offset, rec.Subject, rec.Sender, rec.Recipient,
		unixOrNull(rec.Date), rec.HasAttachments, rec.BodyExcerpt,
		sessionID, rec.Ordinal)
	if err != nil {
		return fmt.Errorf("update record: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("replace record %d: no such record", rec.Ordinal)
	}
	return nil
}

func (r *Records) List(sessionID string, offset, limit int) ([]upload.Record, error) {
	out := []upload.Record{}
	if offset < 0 || limit <= 0 {
		return out, nil
	}
	rows, err := r.s.db.Query(`
		SELECT ordinal, byte_offset, subject, sender, recipient, sent_at,
			has_attachments, body_excerpt
		FROM records WHERE session_id = ?
		ORDER BY ordinal LIMIT ? OFFSET ?`, sessionID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var rec upload.Record
		var sentAt sql.NullInt64
		if err := rows.Scan(&rec.Ordinal, &rec.Offset, &rec.Subject, &rec.Sender,
			&rec.Recipient, &sentAt, &rec.HasAttachments, &rec.BodyExcerpt); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		if sentAt.Valid {
			rec.Date = time.Unix(sentAt.Int64, 0).UTC()
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (r *Records) Count(sessionID string) (int, error) {
	var n int
	err := r.s.db.QueryRow(`SELECT COUNT(*) FROM records WHERE session_id = ?`, sessionID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count records: %w", err)
	}
	return n, nil
}

func (r *Records) DeleteSession(sessionID string) error {
	if _, err := r.s.db.Exec(`DELETE FROM records WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("delete records: %w", err)
	}
	return nil
}

// DeleteAll removes every record. Sessions live in memory only, so records
// left over from a previous process are orphans.
func (r *Records) DeleteAll() (int64, error) {
	res, err := r.s.db.Exec(`DELETE FROM records`)
	if err != nil {
		return 0, fmt.Errorf("delete records: %w", err)
	}
	return res.RowsAffected()
}

func unixOrNull(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.Unix()
}
