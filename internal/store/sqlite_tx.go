package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// sqliteTx implements Tx on top of a database/sql transaction.
type sqliteTx struct {
	ctx      context.Context
	tx       *sql.Tx
	readOnly bool
}

func (t *sqliteTx) writable() error {
	if t.readOnly {
		return ErrReadOnly
	}
	return nil
}

func (t *sqliteTx) LastSeq(key string) (int64, error) {
	var seq int64
	err := t.tx.QueryRowContext(t.ctx, `
		SELECT COALESCE(MAX(seq), 0) FROM (
			SELECT MAX(seq) AS seq FROM updates WHERE doc_key = ?
			UNION ALL
			SELECT seq FROM checkpoints WHERE doc_key = ?
		)
	`, key, key).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("last seq: %w", err)
	}
	return seq, nil
}

func (t *sqliteTx) InsertRecord(rec Record) error {
	if err := t.writable(); err != nil {
		return err
	}
	_, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO updates (doc_key, seq, timestamp, payload, size)
		VALUES (?, ?, ?, ?, ?)
	`,
		rec.DocKey,
		rec.Seq,
		rec.Timestamp.UnixNano(),
		rec.Payload,
		rec.Size,
	)
	if err != nil {
		if isDuplicate(err) {
			return fmt.Errorf("insert record %s/%d: %w", rec.DocKey, rec.Seq, ErrDuplicateSeq)
		}
		return fmt.Errorf("insert record: %w", err)
	}
	return nil
}

func (t *sqliteTx) Records(key string, afterSeq, throughSeq int64) ([]Record, error) {
	query := `
		SELECT seq, timestamp, payload, size
		FROM updates
		WHERE doc_key = ? AND seq > ?`
	args := []any{key, afterSeq}
	if throughSeq > 0 {
		query += ` AND seq <= ?`
		args = append(args, throughSeq)
	}
	query += ` ORDER BY seq ASC`

	rows, err := t.tx.QueryContext(t.ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	records := []Record{}
	for rows.Next() {
		rec := Record{DocKey: key}
		var ts int64
		if err := rows.Scan(&rec.Seq, &ts, &rec.Payload, &rec.Size); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		rec.Timestamp = time.Unix(0, ts)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}
	return records, nil
}

func (t *sqliteTx) CountRecords(key string, afterSeq int64) (int64, error) {
	var n int64
	err := t.tx.QueryRowContext(t.ctx, `
		SELECT COUNT(*) FROM updates WHERE doc_key = ? AND seq > ?
	`, key, afterSeq).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count records: %w", err)
	}
	return n, nil
}

func (t *sqliteTx) Checkpoint(key string) (*Checkpoint, error) {
	cp := Checkpoint{DocKey: key}
	var ts int64
	err := t.tx.QueryRowContext(t.ctx, `
		SELECT seq, timestamp, state, size FROM checkpoints WHERE doc_key = ?
	`, key).Scan(&cp.Seq, &ts, &cp.State, &cp.Size)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query checkpoint: %w", err)
	}
	cp.Timestamp = time.Unix(0, ts)
	return &cp, nil
}

func (t *sqliteTx) PutCheckpoint(cp Checkpoint) error {
	if err := t.writable(); err != nil {
		return err
	}
	_, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO checkpoints (doc_key, seq, timestamp, state, size)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(doc_key) DO UPDATE SET
			seq = excluded.seq,
			timestamp = excluded.timestamp,
			state = excluded.state,
			size = excluded.size
	`,
		cp.DocKey,
		cp.Seq,
		cp.Timestamp.UnixNano(),
		cp.State,
		cp.Size,
	)
	if err != nil {
		return fmt.Errorf("put checkpoint: %w", err)
	}
	return nil
}

func (t *sqliteTx) DeleteRecordsThrough(key string, seq int64) (int64, error) {
	if err := t.writable(); err != nil {
		return 0, err
	}
	res, err := t.tx.ExecContext(t.ctx, `
		DELETE FROM updates WHERE doc_key = ? AND seq <= ?
	`, key, seq)
	if err != nil {
		return 0, fmt.Errorf("delete records: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete records: rows affected: %w", err)
	}
	return n, nil
}

func (t *sqliteTx) DeleteDocument(key string) error {
	if err := t.writable(); err != nil {
		return err
	}
	if _, err := t.tx.ExecContext(t.ctx, `DELETE FROM updates WHERE doc_key = ?`, key); err != nil {
		return fmt.Errorf("delete document records: %w", err)
	}
	if _, err := t.tx.ExecContext(t.ctx, `DELETE FROM checkpoints WHERE doc_key = ?`, key); err != nil {
		return fmt.Errorf("delete document checkpoint: %w", err)
	}
	return nil
}

func (t *sqliteTx) Documents() ([]DocumentInfo, error) {
	rows, err := t.tx.QueryContext(t.ctx, `
		SELECT k.doc_key,
			COALESCE(c.seq, 0),
			COALESCE(u.last_seq, 0),
			COALESCE(u.n, 0),
			COALESCE(u.bytes, 0) + COALESCE(LENGTH(c.state), 0)
		FROM (
			SELECT doc_key FROM updates
			UNION
			SELECT doc_key FROM checkpoints
		) k
		LEFT JOIN checkpoints c ON c.doc_key = k.doc_key
		LEFT JOIN (
			SELECT doc_key, MAX(seq) AS last_seq, COUNT(*) AS n, SUM(LENGTH(payload)) AS bytes
			FROM updates GROUP BY doc_key
		) u ON u.doc_key = k.doc_key
		ORDER BY k.doc_key COLLATE BINARY ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query documents: %w", err)
	}
	defer rows.Close()

	docs := []DocumentInfo{}
	for rows.Next() {
		var d DocumentInfo
		if err := rows.Scan(&d.DocKey, &d.CheckpointSeq, &d.LastSeq, &d.RecordCount, &d.StoredBytes); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		if d.CheckpointSeq > d.LastSeq {
			d.LastSeq = d.CheckpointSeq
		}
		docs = append(docs, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate documents: %w", err)
	}
	return docs, nil
}
