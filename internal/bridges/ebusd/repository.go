package ebusd

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Repository persists the operator state of managed circuits: the last
// fetched message set, the variable list and the published poll
// priorities.
type Repository interface {
	// SaveMessageSet stores a circuit's message set, replacing the previous one.
	SaveMessageSet(ctx context.Context, set *MessageSet) error

	// LoadMessageSet returns the stored message set of a circuit.
	// Returns ErrNoConfiguration if none was stored.
	LoadMessageSet(ctx context.Context, circuit string) (*MessageSet, error)

	// SaveVariables replaces a circuit's variable list. Read values are
	// not persisted.
	SaveVariables(ctx context.Context, circuit string, list VariableList) error

	// LoadVariables returns a circuit's variable list in stored order.
	LoadVariables(ctx context.Context, circuit string) (VariableList, error)

	// SavePollPriorities replaces a circuit's published poll priorities.
	SavePollPriorities(ctx context.Context, circuit string, p PollPriorities) error

	// LoadPollPriorities returns a circuit's published poll priorities.
	LoadPollPriorities(ctx context.Context, circuit string) (PollPriorities, error)
}

// SQLiteRepository implements Repository using SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a repository on an open database whose
// schema has been migrated.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// SaveMessageSet stores the message set as normalised JSON.
func (r *SQLiteRepository) SaveMessageSet(ctx context.Context, set *MessageSet) error {
	if set == nil {
		return fmt.Errorf("message set is required")
	}
	messagesJSON, err := json.Marshal(set.Messages())
	if err != nil {
		return fmt.Errorf("marshalling messages: %w", err)
	}

	query := `
		INSERT INTO ebusd_message_sets (circuit, revision, messages, fetched_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(circuit) DO UPDATE SET
			revision = excluded.revision,
			messages = excluded.messages,
			fetched_at = excluded.fetched_at`

	_, err = r.db.ExecContext(ctx, query,
		set.Circuit(), int64(set.Revision()), string(messagesJSON),
		set.FetchedAt().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("saving message set %s: %w", set.Circuit(), err)
	}
	return nil
}

// LoadMessageSet returns the stored message set of a circuit.
func (r *SQLiteRepository) LoadMessageSet(ctx context.Context, circuit string) (*MessageSet, error) {
	var (
		revision     int64
		messagesJSON string
		fetchedAt    string
	)
	err := r.db.QueryRowContext(ctx,
		`SELECT revision, messages, fetched_at FROM ebusd_message_sets WHERE circuit = ?`,
		circuit,
	).Scan(&revision, &messagesJSON, &fetchedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNoConfiguration
		}
		return nil, fmt.Errorf("querying message set %s: %w", circuit, err)
	}

	var msgs []MessageDefinition
	if err := json.Unmarshal([]byte(messagesJSON), &msgs); err != nil {
		return nil, fmt.Errorf("unmarshalling messages of %s: %w", circuit, err)
	}
	byName := make(map[string]MessageDefinition, len(msgs))
	for _, m := range msgs {
		byName[m.Name] = m
	}

	ts, err := time.Parse(time.RFC3339Nano, fetchedAt)
	if err != nil {
		return nil, fmt.Errorf("parsing fetched_at of %s: %w", circuit, err)
	}
	return NewMessageSet(circuit, uint64(revision), ts, byName), nil
}

// SaveVariables replaces a circuit's variable list in one transaction.
func (r *SQLiteRepository) SaveVariables(ctx context.Context, circuit string, list VariableList) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	if _, err := tx.ExecContext(ctx, `DELETE FROM ebusd_variables WHERE circuit = ?`, circuit); err != nil {
		return fmt.Errorf("clearing variables of %s: %w", circuit, err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO ebusd_variables (
			circuit, message_name, position, variable_names, ident_names,
			readable, writable, keep, poll_priority, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing variable insert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC().Format(time.RFC3339)
	for i, e := range list {
		_, err := stmt.ExecContext(ctx,
			circuit, e.MessageName, i, e.VariableNames, e.IdentNames,
			boolToInt(e.Readable), boolToInt(e.Writable), boolToInt(e.Keep), e.PollPriority, now,
		)
		if err != nil {
			return fmt.Errorf("inserting variable %s/%s: %w", circuit, e.MessageName, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing variables of %s: %w", circuit, err)
	}
	return nil
}

// LoadVariables returns a circuit's variable list in stored order.
func (r *SQLiteRepository) LoadVariables(ctx context.Context, circuit string) (VariableList, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT message_name, variable_names, ident_names, readable, writable, keep, poll_priority
		FROM ebusd_variables
		WHERE circuit = ?
		ORDER BY position`, circuit)
	if err != nil {
		return nil, fmt.Errorf("querying variables of %s: %w", circuit, err)
	}
	defer rows.Close()

	list := VariableList{}
	for rows.Next() {
		var (
			e                        VariableEntry
			readable, writable, keep int
		)
		if err := rows.Scan(&e.MessageName, &e.VariableNames, &e.IdentNames, &readable, &writable, &keep, &e.PollPriority); err != nil {
			return nil, fmt.Errorf("scanning variable: %w", err)
		}
		e.Readable = readable != 0
		e.Writable = writable != 0
		e.Keep = keep != 0
		list = append(list, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating variables: %w", err)
	}
	return list, nil
}

// SavePollPriorities replaces a circuit's published poll priorities.
func (r *SQLiteRepository) SavePollPriorities(ctx context.Context, circuit string, p PollPriorities) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	if _, err := tx.ExecContext(ctx, `DELETE FROM ebusd_poll_priorities WHERE circuit = ?`, circuit); err != nil {
		return fmt.Errorf("clearing poll priorities of %s: %w", circuit, err)
	}
	for _, name := range sortedKeys(p) {
		if p[name] <= 0 {
			continue
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO ebusd_poll_priorities (circuit, message_name, priority) VALUES (?, ?, ?)`,
			circuit, name, p[name])
		if err != nil {
			return fmt.Errorf("inserting poll priority %s/%s: %w", circuit, name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing poll priorities of %s: %w", circuit, err)
	}
	return nil
}

// LoadPollPriorities returns a circuit's published poll priorities.
func (r *SQLiteRepository) LoadPollPriorities(ctx context.Context, circuit string) (PollPriorities, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT message_name, priority FROM ebusd_poll_priorities WHERE circuit = ?`, circuit)
	if err != nil {
		return nil, fmt.Errorf("querying poll priorities of %s: %w", circuit, err)
	}
	defer rows.Close()

	out := PollPriorities{}
	for rows.Next() {
		var (
			name string
			prio int
		)
		if err := rows.Scan(&name, &prio); err != nil {
			return nil, fmt.Errorf("scanning poll priority: %w", err)
		}
		out[name] = prio
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating poll priorities: %w", err)
	}
	return out, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
