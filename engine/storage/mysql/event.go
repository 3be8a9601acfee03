package mysql

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/wfnet/wfnet/engine/storage"
)

const mySQLTimestampFormat = "2006-01-02 15:04:05.000000"

// AppendEvents implements the storage interface method.
// The whole batch is appended in one transaction; the per-case sequence
// check rides on the (case_id, seq) primary key plus an explicit check of
// the previous sequence number.
func (s *MySQLStorage) AppendEvents(ctx context.Context, events []*storage.Event) error {
	for _, e := range events {
		if err := e.Validate(); err != nil {
			return err
		}
	}
	return tx(ctx, s.db, func(ctx context.Context, tx *sql.Tx) error {
		for _, e := range events {
			var last sql.NullInt64
			err := tx.QueryRowContext(
				ctx,
				`SELECT MAX(seq) FROM case_events WHERE case_id = ? FOR UPDATE;`,
				e.CaseID,
			).Scan(&last)
			if err != nil {
				return fmt.Errorf("selecting last seq for %s: %w", e.CaseID, err)
			}
			if uint64(last.Int64)+1 != e.Seq {
				return fmt.Errorf("%w: case %s got %d want %d",
					storage.ErrOutOfOrderEvent, e.CaseID, e.Seq, last.Int64+1)
			}
			_, err = tx.ExecContext(
				ctx,
				`INSERT INTO case_events
					(case_id, seq, event_id, kind, task_id, work_item_id, at, payload)
				VALUES
					(?, ?, ?, ?, ?, ?, ?, ?);`,
				e.CaseID,
				e.Seq,
				e.ID,
				string(e.Kind),
				sqlNullString(e.TaskID),
				sqlNullString(e.WorkItemID),
				e.At.UTC().Format(mySQLTimestampFormat),
				sqlNullBytes(e.Payload),
			)
			if err != nil {
				return fmt.Errorf("inserting event %s: %w", e.ID, err)
			}
		}
		return nil
	})
}

// RetrieveEvents implements the storage interface method.
func (s *MySQLStorage) RetrieveEvents(ctx context.Context, caseID string, fromSeq uint64) ([]*storage.Event, error) {
	if caseID == "" {
		return nil, storage.ErrMissingCaseID
	}
	if fromSeq < 1 {
		fromSeq = 1
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT event_id, seq, kind, task_id, work_item_id, at, payload
		FROM case_events
		WHERE case_id = ? AND seq >= ?
		ORDER BY seq;`,
		caseID,
		fromSeq,
	)
	if err != nil {
		return nil, fmt.Errorf("selecting events for %s: %w", caseID, err)
	}
	defer rows.Close()
	var events []*storage.Event
	for rows.Next() {
		e := &storage.Event{CaseID: caseID}
		var kind, at string
		var taskID, itemID sql.NullString
		var payload []byte
		err = rows.Scan(&e.ID, &e.Seq, &kind, &taskID, &itemID, &at, &payload)
		if err != nil {
			return events, fmt.Errorf("scanning event for %s: %w", caseID, err)
		}
		if e.At, err = time.Parse(mySQLTimestampFormat, at); err != nil {
			return events, fmt.Errorf("parsing event timestamp for %s: %w", caseID, err)
		}
		e.Kind = storage.EventKind(kind)
		e.TaskID = taskID.String
		e.WorkItemID = itemID.String
		e.Payload = payload
		events = append(events, e)
	}
	if err = rows.Err(); err != nil {
		return events, err
	}
	if len(events) == 0 && fromSeq <= 1 {
		return nil, fmt.Errorf("%w: %s", storage.ErrNoSuchCase, caseID)
	}
	return events, nil
}

// RetrieveCaseIDs implements the storage interface method.
func (s *MySQLStorage) RetrieveCaseIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT case_id FROM case_events;`)
	if err != nil {
		return nil, fmt.Errorf("selecting case IDs: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err = rows.Scan(&id); err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// sqlNullString sets Valid to true of the return value of s is not empty.
func sqlNullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// sqlNullBytes passes b through, mapping empty to SQL NULL.
func sqlNullBytes(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return b
}
