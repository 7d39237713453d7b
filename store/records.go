package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const dateLayout = "2006-01-02T15:04:05.999999999Z07:00"

// Record is an opaque, application-owned value stored in a collection.
// The store never inspects Data; UpdatedAt is stamped on every write, so
// the last writer wins at the record level.
type Record struct {
	ID        string
	Data      json.RawMessage
	UpdatedAt time.Time
}

// Validate checks that the Record can be persisted.
// PRE: Record struct is populated
// POST: Returns nil if valid, error otherwise
func (r *Record) Validate() error {
	if r.ID == "" {
		return errors.New("record id is required")
	}
	return nil
}

// dbtx is the statement surface shared by SQLDB and *sql.Tx.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// insertRecord adds a record, failing on a duplicate id.
func insertRecord(ctx context.Context, db dbtx, collection string, rec Record, now time.Time) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	_, err := db.ExecContext(ctx, fmt.Sprintf(
		`INSERT INTO %s (id, data, updated_at) VALUES (?, ?, ?)`, recordTable(collection)),
		rec.ID, string(rec.Data), now.Format(dateLayout))
	return classify(err)
}

// upsertRecord adds or replaces a record.
func upsertRecord(ctx context.Context, db dbtx, collection string, rec Record, now time.Time) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	_, err := db.ExecContext(ctx, fmt.Sprintf(
		`INSERT INTO %s (id, data, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET data=excluded.data, updated_at=excluded.updated_at`,
		recordTable(collection)),
		rec.ID, string(rec.Data), now.Format(dateLayout))
	return classify(err)
}

// deleteRecord removes a record. Deleting an absent id is not an error.
func deleteRecord(ctx context.Context, db dbtx, collection string, id string) error {
	_, err := db.ExecContext(ctx, fmt.Sprintf(
		`DELETE FROM %s WHERE id = ?`, recordTable(collection)), id)
	return classify(err)
}

// getRecord fetches a single record by id.
func getRecord(ctx context.Context, db dbtx, collection string, id string) (Record, error) {
	row := db.QueryRowContext(ctx, fmt.Sprintf(
		`SELECT id, data, updated_at FROM %s WHERE id = ?`, recordTable(collection)), id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, fmt.Errorf("%w: %s/%s", ErrNotFound, collection, id)
	}
	if err != nil {
		return Record{}, classify(err)
	}
	return rec, nil
}

// listRecords fetches all records of a collection ordered by id.
func listRecords(ctx context.Context, db dbtx, collection string) ([]Record, error) {
	rows, err := db.QueryContext(ctx, fmt.Sprintf(
		`SELECT id, data, updated_at FROM %s ORDER BY id ASC`, recordTable(collection)))
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

// scanRecord scans a single row into a Record.
func scanRecord(row *sql.Row) (Record, error) {
	var rec Record
	var data, updatedAt string
	if err := row.Scan(&rec.ID, &data, &updatedAt); err != nil {
		return Record{}, err
	}
	rec.Data = json.RawMessage(data)
	rec.UpdatedAt, _ = time.Parse(dateLayout, updatedAt)
	return rec, nil
}

// scanRecordFromRows scans a single row from Rows into a Record.
func scanRecordFromRows(rows *sql.Rows) (Record, error) {
	var rec Record
	var data, updatedAt string
	if err := rows.Scan(&rec.ID, &data, &updatedAt); err != nil {
		return Record{}, err
	}
	rec.Data = json.RawMessage(data)
	rec.UpdatedAt, _ = time.Parse(dateLayout, updatedAt)
	return rec, nil
}

// scanRecords scans multiple rows into a slice of Records.
func scanRecords(rows *sql.Rows) ([]Record, error) {
	var records []Record
	for rows.Next() {
		rec, err := scanRecordFromRows(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}
