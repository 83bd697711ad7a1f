package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/replicasync/replica/internal/replica/journal"
	"github.com/replicasync/replica/internal/replica/schema"
)

// Tx is a write transaction. It is only valid inside the function passed to
// Write and must not be retained.
type Tx struct {
	ctx    context.Context
	tx     *sql.Tx
	db     *DB
	rec    *journal.Recorder
	instrs []journal.Instruction
}

// Write runs fn in a single write transaction and appends the result to the
// journal. If fn returns an error the transaction is rolled back.
//
// The returned entry is nil when fn made no changes. Commit hooks run after
// the transaction is committed.
func (db *DB) Write(ctx context.Context, fn func(tx *Tx) error) (*journal.Entry, error) {
	if db.conn == nil {
		return nil, ErrClosed
	}

	db.writeMu.Lock()
	entry, err := db.write(ctx, fn)
	db.writeMu.Unlock()
	if err != nil {
		return nil, err
	}

	db.fireHooks(entry)
	return entry, nil
}

func (db *DB) write(ctx context.Context, fn func(tx *Tx) error) (*journal.Entry, error) {
	sqlTx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = sqlTx.Rollback() }()

	t := &Tx{
		ctx: ctx,
		tx:  sqlTx,
		db:  db,
		rec: journal.NewRecorder(db.schema),
	}
	if err := fn(t); err != nil {
		return nil, err
	}
	if len(t.instrs) == 0 {
		return nil, nil
	}

	cs := journal.Changeset{
		Peer:         db.peer,
		Timestamp:    time.Now().UTC(),
		Instructions: t.instrs,
	}
	entry, err := appendJournal(ctx, sqlTx, journal.OriginLocal, cs, t.rec.Changes())
	if err != nil {
		return nil, err
	}

	if err := sqlTx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return entry, nil
}

// Create inserts a new object. The ID is derived from the primary key, or
// generated for classes without one.
func (t *Tx) Create(class string, fields map[string]any) (*schema.Object, error) {
	c, err := t.db.schema.MustClass(class)
	if err != nil {
		return nil, err
	}
	values, err := c.ValidateFields(fields, true)
	if err != nil {
		return nil, err
	}
	id, err := c.IDFor(values)
	if err != nil {
		return nil, err
	}

	exists, err := objectExists(t.ctx, t.tx, class, id)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, fmt.Errorf("%s %s: %w", class, id, ErrExists)
	}

	if err := t.local(journal.Instruction{Op: journal.OpCreate, Class: class, ID: id}); err != nil {
		return nil, err
	}
	if err := t.setFields(c, id, values); err != nil {
		return nil, err
	}
	return t.Get(class, id)
}

// Upsert creates the object, or updates the given fields if an object with
// the same primary key exists.
func (t *Tx) Upsert(class string, fields map[string]any) (*schema.Object, error) {
	c, err := t.db.schema.MustClass(class)
	if err != nil {
		return nil, err
	}
	if c.PrimaryKey == "" {
		return t.Create(class, fields)
	}

	values, err := c.ValidateFields(fields, false)
	if err != nil {
		return nil, err
	}
	id, err := c.IDFor(values)
	if err != nil {
		return nil, err
	}
	exists, err := objectExists(t.ctx, t.tx, class, id)
	if err != nil {
		return nil, err
	}
	if !exists {
		return t.Create(class, fields)
	}

	delete(values, c.PrimaryKey)
	if err := t.setFields(c, id, values); err != nil {
		return nil, err
	}
	return t.Get(class, id)
}

// Put writes an object under an explicit ID, creating it if it does not
// exist. For classes with a primary key the ID must match the key.
func (t *Tx) Put(class, id string, fields map[string]any) (*schema.Object, error) {
	c, err := t.db.schema.MustClass(class)
	if err != nil {
		return nil, err
	}
	if id == "" {
		return nil, fmt.Errorf("%s: id cannot be empty", class)
	}
	exists, err := objectExists(t.ctx, t.tx, class, id)
	if err != nil {
		return nil, err
	}
	values, err := c.ValidateFields(fields, !exists)
	if err != nil {
		return nil, err
	}

	if c.PrimaryKey != "" {
		if _, ok := values[c.PrimaryKey]; ok || !exists {
			derived, err := c.IDFor(values)
			if err != nil {
				return nil, err
			}
			if derived != id {
				return nil, fmt.Errorf("%s %s: primary key %s is %s", class, id, c.PrimaryKey, derived)
			}
		}
		if exists {
			delete(values, c.PrimaryKey)
		}
	}

	if !exists {
		if err := t.local(journal.Instruction{Op: journal.OpCreate, Class: class, ID: id}); err != nil {
			return nil, err
		}
	}
	if err := t.setFields(c, id, values); err != nil {
		return nil, err
	}
	return t.Get(class, id)
}

// setFields writes values in property order.
func (t *Tx) setFields(c *schema.ObjectSchema, id string, values map[string]any) error {
	for i := range c.Properties {
		p := &c.Properties[i]
		v, ok := values[p.Name]
		if !ok {
			continue
		}
		if err := t.set(c, p, id, v); err != nil {
			return err
		}
	}
	return nil
}

// Set updates one field. Object links take the target ID (or nil), lists take
// the complete list of target IDs.
func (t *Tx) Set(class, id, field string, value any) error {
	c, err := t.db.schema.MustClass(class)
	if err != nil {
		return err
	}
	values, err := c.ValidateFields(map[string]any{field: value}, false)
	if err != nil {
		return err
	}
	if field == c.PrimaryKey {
		return fmt.Errorf("%s.%s is the primary key and cannot change", class, field)
	}
	exists, err := objectExists(t.ctx, t.tx, class, id)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("%s %s: %w", class, id, ErrNotFound)
	}
	p, _ := c.Property(field)
	return t.set(c, p, id, values[field])
}

// SetLink points a to-one link at target. An empty target clears it.
func (t *Tx) SetLink(class, id, field, target string) error {
	if target == "" {
		return t.Set(class, id, field, nil)
	}
	return t.Set(class, id, field, target)
}

func (t *Tx) set(c *schema.ObjectSchema, p *schema.Property, id string, v any) error {
	switch p.Type {
	case schema.TypeList:
		return t.replaceList(c, p, id, v.([]string))
	case schema.TypeObject:
		if v != nil {
			if err := t.requireTarget(p, v.(string)); err != nil {
				return err
			}
		}
	}
	return t.local(journal.Instruction{Op: journal.OpSet, Class: c.Name, ID: id, Field: p.Name, Value: v})
}

// replaceList makes the list equal to want. The common prefix is kept and
// the rest is re-appended in order.
func (t *Tx) replaceList(c *schema.ObjectSchema, p *schema.Property, id string, want []string) error {
	want = dedupe(want)
	for _, target := range want {
		if err := t.requireTarget(p, target); err != nil {
			return err
		}
	}

	current, err := activeTargets(t.ctx, t.tx, c.Name, id, p.Name)
	if err != nil {
		return err
	}

	keep := 0
	for keep < len(current) && keep < len(want) && current[keep] == want[keep] {
		keep++
	}

	wanted := make(map[string]bool, len(want))
	for _, target := range want {
		wanted[target] = true
	}
	for _, target := range current[keep:] {
		if wanted[target] {
			continue
		}
		if err := t.local(journal.Instruction{Op: journal.OpListErase, Class: c.Name, ID: id, Field: p.Name, Target: target}); err != nil {
			return err
		}
	}
	for _, target := range want[keep:] {
		if err := t.local(journal.Instruction{Op: journal.OpListInsert, Class: c.Name, ID: id, Field: p.Name, Target: target}); err != nil {
			return err
		}
	}
	return nil
}

// Append adds target to the end of a list. Appending a target already in
// the list is a no-op.
func (t *Tx) Append(class, id, field, target string) error {
	p, err := t.listProperty(class, id, field)
	if err != nil {
		return err
	}
	if err := t.requireTarget(p, target); err != nil {
		return err
	}
	s, err := loadLink(t.ctx, t.tx, class, id, field, target)
	if err != nil {
		return err
	}
	if s != nil && !s.removed {
		return nil
	}
	return t.local(journal.Instruction{Op: journal.OpListInsert, Class: class, ID: id, Field: field, Target: target})
}

// Remove drops target from a list. Removing a target not in the list is a
// no-op.
func (t *Tx) Remove(class, id, field, target string) error {
	if _, err := t.listProperty(class, id, field); err != nil {
		return err
	}
	s, err := loadLink(t.ctx, t.tx, class, id, field, target)
	if err != nil {
		return err
	}
	if s == nil || s.removed {
		return nil
	}
	return t.local(journal.Instruction{Op: journal.OpListErase, Class: class, ID: id, Field: field, Target: target})
}

func (t *Tx) listProperty(class, id, field string) (*schema.Property, error) {
	c, err := t.db.schema.MustClass(class)
	if err != nil {
		return nil, err
	}
	p, ok := c.Property(field)
	if !ok || p.Type != schema.TypeList {
		return nil, fmt.Errorf("%s.%s is not a list", class, field)
	}
	exists, err := objectExists(t.ctx, t.tx, class, id)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("%s %s: %w", class, id, ErrNotFound)
	}
	return p, nil
}

func (t *Tx) requireTarget(p *schema.Property, target string) error {
	exists, err := objectExists(t.ctx, t.tx, p.ObjectType, target)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("link target %s %s: %w", p.ObjectType, target, ErrNotFound)
	}
	return nil
}

// Delete removes an object. Links pointing at it are removed too.
func (t *Tx) Delete(class, id string) error {
	if _, err := t.db.schema.MustClass(class); err != nil {
		return err
	}
	exists, err := objectExists(t.ctx, t.tx, class, id)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("%s %s: %w", class, id, ErrNotFound)
	}
	return t.local(journal.Instruction{Op: journal.OpErase, Class: class, ID: id})
}

// Get reads an object as seen inside the transaction.
func (t *Tx) Get(class, id string) (*schema.Object, error) {
	return getObject(t.ctx, t.tx, t.db.schema, class, id)
}

// Find runs a query inside the transaction.
func (t *Tx) Find(q Query) ([]*schema.Object, error) {
	return find(t.ctx, t.tx, t.db.schema, q)
}

// local stamps in with a fresh clock, applies it and records it.
func (t *Tx) local(in journal.Instruction) error {
	in.Clock = t.db.clock.Now()
	applied, err := t.apply(in)
	if err != nil {
		return err
	}
	if applied {
		t.instrs = append(t.instrs, in)
	}
	return nil
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
