package db

import (
	"context"
	"fmt"
	"strconv"

	"github.com/replicasync/replica/internal/replica/journal"
	"github.com/replicasync/replica/internal/replica/schema"
)

// Apply integrates a changeset downloaded from the server.
//
// Conflicts are resolved per field by clock (last writer wins). List elements
// are resolved per target the same way. An erase wins over concurrent
// updates of the erased object; a later create resurrects it.
//
// Applying the same changeset twice is a no-op. The returned entry is nil
// when nothing visible changed; the last server version is advanced either
// way.
func (db *DB) Apply(ctx context.Context, cs journal.Changeset) (*journal.Entry, error) {
	if db.conn == nil {
		return nil, ErrClosed
	}

	db.writeMu.Lock()
	entry, err := db.applyRemote(ctx, cs)
	db.writeMu.Unlock()
	if err != nil {
		return nil, err
	}

	db.fireHooks(entry)
	return entry, nil
}

func (db *DB) applyRemote(ctx context.Context, cs journal.Changeset) (*journal.Entry, error) {
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

	applied := 0
	for _, in := range cs.Instructions {
		db.clock.Observe(in.Clock)
		ok, err := t.apply(in)
		if err != nil {
			return nil, fmt.Errorf("failed to apply %s %s.%s from server version %d: %w",
				in.Op, in.Class, in.ID, cs.ServerVersion, err)
		}
		if ok {
			applied++
		}
	}

	if err := advanceServerVersion(ctx, sqlTx, cs.ServerVersion); err != nil {
		return nil, err
	}

	var entry *journal.Entry
	if applied > 0 {
		entry, err = appendJournal(ctx, sqlTx, journal.OriginRemote, cs, t.rec.Changes())
		if err != nil {
			return nil, err
		}
	}

	if err := sqlTx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return entry, nil
}

// apply runs one instruction against the store and reports whether it
// changed anything.
func (t *Tx) apply(in journal.Instruction) (bool, error) {
	c, err := t.db.schema.MustClass(in.Class)
	if err != nil {
		return false, err
	}

	switch in.Op {
	case journal.OpCreate:
		return t.applyCreate(c, in)
	case journal.OpSet:
		return t.applySet(c, in)
	case journal.OpErase:
		return t.applyErase(c, in)
	case journal.OpListInsert:
		return t.applyListOp(c, in, false)
	case journal.OpListErase:
		return t.applyListOp(c, in, true)
	}
	return false, fmt.Errorf("unknown instruction %q", in.Op)
}

func (t *Tx) applyCreate(c *schema.ObjectSchema, in journal.Instruction) (bool, error) {
	r, err := loadRow(t.ctx, t.tx, c.Name, in.ID)
	if err != nil {
		return false, err
	}
	if r != nil {
		// Concurrent creates of one primary key: the earliest clock starts
		// the incarnation.
		if r.created.After(in.Clock) {
			return false, setCreated(t.ctx, t.tx, c.Name, in.ID, in.Clock)
		}
		return false, nil
	}
	tomb, dead, err := loadTombstone(t.ctx, t.tx, c.Name, in.ID)
	if err != nil {
		return false, err
	}
	if dead && !in.Clock.After(tomb) {
		return false, nil
	}

	if err := insertRow(t.ctx, t.tx, c.Name, in.ID, in.Clock); err != nil {
		return false, err
	}
	if dead {
		if err := clearTombstone(t.ctx, t.tx, c.Name, in.ID); err != nil {
			return false, err
		}
	}
	t.rec.Insert(c.Name, in.ID)
	return true, nil
}

func (t *Tx) applySet(c *schema.ObjectSchema, in journal.Instruction) (bool, error) {
	p, ok := c.Property(in.Field)
	if !ok {
		return false, fmt.Errorf("%s has no property %s", c.Name, in.Field)
	}
	if p.Type == schema.TypeList || p.Type == schema.TypeLinkingObjects {
		return false, fmt.Errorf("%s.%s cannot be set directly", c.Name, in.Field)
	}

	r, err := loadRow(t.ctx, t.tx, c.Name, in.ID)
	if err != nil || r == nil {
		return false, err
	}
	if !in.Clock.After(r.clocks[in.Field]) {
		return false, nil
	}

	v, err := schema.Normalize(p, in.Value)
	if err != nil {
		return false, fmt.Errorf("%s.%s: %w", c.Name, in.Field, err)
	}

	if p.Type == schema.TypeObject {
		old, err := activeTargets(t.ctx, t.tx, c.Name, in.ID, in.Field)
		if err != nil {
			return false, err
		}
		for _, target := range old {
			if err := putLink(t.ctx, t.tx, c.Name, in.ID, in.Field, target, linkState{clock: in.Clock, removed: true}); err != nil {
				return false, err
			}
			t.rec.Link(c.Name, in.ID, in.Field, target)
		}
		if v != nil {
			target := v.(string)
			live, err := linkable(t.ctx, t.tx, p.ObjectType, target, in.Clock)
			if err != nil {
				return false, err
			}
			if err := putLink(t.ctx, t.tx, c.Name, in.ID, in.Field, target, linkState{clock: in.Clock, removed: !live}); err != nil {
				return false, err
			}
			if live {
				t.rec.Link(c.Name, in.ID, in.Field, target)
			}
		}
		t.rec.Modify(c.Name, in.ID)
	} else {
		if v == nil {
			delete(r.fields, in.Field)
		} else {
			r.fields[in.Field] = v
		}
		t.rec.Modify(c.Name, in.ID)
	}

	r.clocks[in.Field] = in.Clock
	if err := saveRow(t.ctx, t.tx, c.Name, in.ID, r); err != nil {
		return false, err
	}
	return true, nil
}

// applyListOp resolves one list element. A removed element keeps its row so
// an older insert arriving later still loses.
func (t *Tx) applyListOp(c *schema.ObjectSchema, in journal.Instruction, erase bool) (bool, error) {
	p, ok := c.Property(in.Field)
	if !ok || p.Type != schema.TypeList {
		return false, fmt.Errorf("%s.%s is not a list", c.Name, in.Field)
	}
	if in.Target == "" {
		return false, fmt.Errorf("%s.%s: list instruction without target", c.Name, in.Field)
	}

	exists, err := objectExists(t.ctx, t.tx, c.Name, in.ID)
	if err != nil || !exists {
		return false, err
	}

	s, err := loadLink(t.ctx, t.tx, c.Name, in.ID, in.Field, in.Target)
	if err != nil {
		return false, err
	}
	if s != nil && !in.Clock.After(s.clock) {
		return false, nil
	}
	wasLive := s != nil && !s.removed

	removed := erase
	if !erase {
		live, err := linkable(t.ctx, t.tx, p.ObjectType, in.Target, in.Clock)
		if err != nil {
			return false, err
		}
		removed = !live
	}
	if err := putLink(t.ctx, t.tx, c.Name, in.ID, in.Field, in.Target, linkState{clock: in.Clock, removed: removed}); err != nil {
		return false, err
	}

	if removed && !wasLive {
		return false, nil
	}
	t.rec.Link(c.Name, in.ID, in.Field, in.Target)
	return true, nil
}

func (t *Tx) applyErase(c *schema.ObjectSchema, in journal.Instruction) (bool, error) {
	r, err := loadRow(t.ctx, t.tx, c.Name, in.ID)
	if err != nil {
		return false, err
	}
	if r == nil {
		// Remember the erase so an older create arriving later stays dead.
		tomb, dead, err := loadTombstone(t.ctx, t.tx, c.Name, in.ID)
		if err != nil {
			return false, err
		}
		if !dead || in.Clock.After(tomb) {
			return false, putTombstone(t.ctx, t.tx, c.Name, in.ID, in.Clock)
		}
		return false, nil
	}
	if !in.Clock.After(r.created) {
		return false, nil
	}

	t.rec.Delete(c.Name, in.ID)

	// Outgoing links: the targets lose an inverse entry.
	for i := range c.Properties {
		p := &c.Properties[i]
		if !p.Type.IsLink() {
			continue
		}
		targets, err := activeTargets(t.ctx, t.tx, c.Name, in.ID, p.Name)
		if err != nil {
			return false, err
		}
		for _, target := range targets {
			t.rec.Link(c.Name, in.ID, p.Name, target)
		}
	}

	// Incoming links: the sources lose a link.
	for _, ref := range linksTo(t.db.schema, c.Name) {
		incoming, err := liveIncoming(t.ctx, t.tx, ref.Class, ref.Property, in.ID)
		if err != nil {
			return false, err
		}
		for _, l := range incoming {
			s, err := loadLink(t.ctx, t.tx, l.class, l.id, l.field, in.ID)
			if err != nil {
				return false, err
			}
			clock := in.Clock
			if s != nil && s.clock.After(clock) {
				clock = s.clock
			}
			if err := putLink(t.ctx, t.tx, l.class, l.id, l.field, in.ID, linkState{clock: clock, removed: true}); err != nil {
				return false, err
			}
			t.rec.Link(l.class, l.id, l.field, in.ID)
		}
	}

	if err := deleteRow(t.ctx, t.tx, c.Name, in.ID); err != nil {
		return false, err
	}
	if err := putTombstone(t.ctx, t.tx, c.Name, in.ID, in.Clock); err != nil {
		return false, err
	}
	return true, nil
}

// linkable reports whether a link written at clock may point at target. The
// target must exist and the link must be newer than its creation; anything
// else lost to an erase of the target and is stored removed.
func linkable(ctx context.Context, q querier, class, id string, clock journal.Clock) (bool, error) {
	r, err := loadRow(ctx, q, class, id)
	if err != nil || r == nil {
		return false, err
	}
	return clock.After(r.created), nil
}

// linksTo returns every link property (object or list) targeting class.
func linksTo(s *schema.Schema, class string) []schema.InverseRef {
	var refs []schema.InverseRef
	for _, c := range s.Classes {
		for i := range c.Properties {
			p := &c.Properties[i]
			if p.Type.IsLink() && p.ObjectType == class {
				refs = append(refs, schema.InverseRef{Class: c.Name, Property: p.Name})
			}
		}
	}
	return refs
}

func advanceServerVersion(ctx context.Context, q querier, version int64) error {
	if version <= 0 {
		return nil
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
		WHERE CAST(meta.value AS INTEGER) < CAST(excluded.value AS INTEGER)`,
		metaLastServerVersion, strconv.FormatInt(version, 10))
	if err != nil {
		return fmt.Errorf("failed to advance server version: %w", err)
	}
	return nil
}
