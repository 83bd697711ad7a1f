package db

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/replicasync/replica/internal/replica/journal"
)

// row is the stored state of one object.
type row struct {
	seq     int64
	fields  map[string]any
	clocks  map[string]journal.Clock
	created journal.Clock
}

// linkState is the stored state of one (object, field, target) link.
type linkState struct {
	clock   journal.Clock
	removed bool
}

// incomingLink is a live link pointing at an object.
type incomingLink struct {
	class string
	id    string
	field string
}

func loadRow(ctx context.Context, q querier, class, id string) (*row, error) {
	var (
		r              row
		fields, clocks string
	)
	err := q.QueryRowContext(ctx, `
		SELECT seq, fields, clocks, created_t, created_p
		FROM objects WHERE class = ? AND id = ?`, class, id).
		Scan(&r.seq, &fields, &clocks, &r.created.Time, &r.created.Peer)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load %s %s: %w", class, id, err)
	}

	if r.fields, err = decodeFields(fields); err != nil {
		return nil, fmt.Errorf("failed to decode %s %s: %w", class, id, err)
	}
	if err := json.Unmarshal([]byte(clocks), &r.clocks); err != nil {
		return nil, fmt.Errorf("failed to decode clocks of %s %s: %w", class, id, err)
	}
	if r.clocks == nil {
		r.clocks = make(map[string]journal.Clock)
	}
	return &r, nil
}

// decodeFields keeps numbers as json.Number so integers survive untouched.
func decodeFields(data string) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader([]byte(data)))
	dec.UseNumber()
	var fields map[string]any
	if err := dec.Decode(&fields); err != nil {
		return nil, err
	}
	if fields == nil {
		fields = make(map[string]any)
	}
	return fields, nil
}

func insertRow(ctx context.Context, q querier, class, id string, created journal.Clock) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO objects (class, id, fields, clocks, created_t, created_p)
		VALUES (?, ?, '{}', '{}', ?, ?)`, class, id, created.Time, created.Peer)
	if err != nil {
		return fmt.Errorf("failed to insert %s %s: %w", class, id, err)
	}
	return nil
}

func setCreated(ctx context.Context, q querier, class, id string, created journal.Clock) error {
	_, err := q.ExecContext(ctx, `
		UPDATE objects SET created_t = ?, created_p = ? WHERE class = ? AND id = ?`,
		created.Time, created.Peer, class, id)
	if err != nil {
		return fmt.Errorf("failed to update %s %s: %w", class, id, err)
	}
	return nil
}

func saveRow(ctx context.Context, q querier, class, id string, r *row) error {
	fields, err := json.Marshal(r.fields)
	if err != nil {
		return fmt.Errorf("failed to encode %s %s: %w", class, id, err)
	}
	clocks, err := json.Marshal(r.clocks)
	if err != nil {
		return fmt.Errorf("failed to encode clocks of %s %s: %w", class, id, err)
	}
	_, err = q.ExecContext(ctx, `
		UPDATE objects SET fields = ?, clocks = ? WHERE class = ? AND id = ?`,
		string(fields), string(clocks), class, id)
	if err != nil {
		return fmt.Errorf("failed to update %s %s: %w", class, id, err)
	}
	return nil
}

func deleteRow(ctx context.Context, q querier, class, id string) error {
	if _, err := q.ExecContext(ctx, `DELETE FROM objects WHERE class = ? AND id = ?`, class, id); err != nil {
		return fmt.Errorf("failed to delete %s %s: %w", class, id, err)
	}
	if _, err := q.ExecContext(ctx, `DELETE FROM links WHERE class = ? AND id = ?`, class, id); err != nil {
		return fmt.Errorf("failed to delete links of %s %s: %w", class, id, err)
	}
	return nil
}

func loadTombstone(ctx context.Context, q querier, class, id string) (journal.Clock, bool, error) {
	var c journal.Clock
	err := q.QueryRowContext(ctx, `
		SELECT clock_t, clock_p FROM tombstones WHERE class = ? AND id = ?`, class, id).
		Scan(&c.Time, &c.Peer)
	if errors.Is(err, sql.ErrNoRows) {
		return c, false, nil
	}
	if err != nil {
		return c, false, fmt.Errorf("failed to load tombstone %s %s: %w", class, id, err)
	}
	return c, true, nil
}

func putTombstone(ctx context.Context, q querier, class, id string, c journal.Clock) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO tombstones (class, id, clock_t, clock_p) VALUES (?, ?, ?, ?)
		ON CONFLICT(class, id) DO UPDATE SET clock_t = excluded.clock_t, clock_p = excluded.clock_p`,
		class, id, c.Time, c.Peer)
	if err != nil {
		return fmt.Errorf("failed to write tombstone %s %s: %w", class, id, err)
	}
	return nil
}

func clearTombstone(ctx context.Context, q querier, class, id string) error {
	if _, err := q.ExecContext(ctx, `DELETE FROM tombstones WHERE class = ? AND id = ?`, class, id); err != nil {
		return fmt.Errorf("failed to clear tombstone %s %s: %w", class, id, err)
	}
	return nil
}

func loadLink(ctx context.Context, q querier, class, id, field, target string) (*linkState, error) {
	var (
		s       linkState
		removed int
	)
	err := q.QueryRowContext(ctx, `
		SELECT clock_t, clock_p, removed FROM links
		WHERE class = ? AND id = ? AND field = ? AND target = ?`, class, id, field, target).
		Scan(&s.clock.Time, &s.clock.Peer, &removed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load link %s.%s of %s: %w", class, field, id, err)
	}
	s.removed = removed != 0
	return &s, nil
}

func putLink(ctx context.Context, q querier, class, id, field, target string, s linkState) error {
	removed := 0
	if s.removed {
		removed = 1
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO links (class, id, field, target, clock_t, clock_p, removed)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(class, id, field, target) DO UPDATE SET
			clock_t = excluded.clock_t,
			clock_p = excluded.clock_p,
			removed = excluded.removed`,
		class, id, field, target, s.clock.Time, s.clock.Peer, removed)
	if err != nil {
		return fmt.Errorf("failed to write link %s.%s of %s: %w", class, field, id, err)
	}
	return nil
}

// activeTargets returns the live targets of one link field in list order,
// including targets that no longer exist.
func activeTargets(ctx context.Context, q querier, class, id, field string) ([]string, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT target FROM links
		WHERE class = ? AND id = ? AND field = ? AND removed = 0
		ORDER BY clock_t, clock_p`, class, id, field)
	if err != nil {
		return nil, fmt.Errorf("failed to query links %s.%s of %s: %w", class, field, id, err)
	}
	defer rows.Close()

	var targets []string
	for rows.Next() {
		var target string
		if err := rows.Scan(&target); err != nil {
			return nil, fmt.Errorf("failed to scan link: %w", err)
		}
		targets = append(targets, target)
	}
	return targets, rows.Err()
}

// liveIncoming returns the live links of (class, field) pointing at target.
func liveIncoming(ctx context.Context, q querier, class, field, target string) ([]incomingLink, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id FROM links
		WHERE class = ? AND field = ? AND target = ? AND removed = 0`, class, field, target)
	if err != nil {
		return nil, fmt.Errorf("failed to query links to %s: %w", target, err)
	}
	defer rows.Close()

	var out []incomingLink
	for rows.Next() {
		l := incomingLink{class: class, field: field}
		if err := rows.Scan(&l.id); err != nil {
			return nil, fmt.Errorf("failed to scan link: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func objectExists(ctx context.Context, q querier, class, id string) (bool, error) {
	var n int
	err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM objects WHERE class = ? AND id = ?`, class, id).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check %s %s: %w", class, id, err)
	}
	return n > 0, nil
}
