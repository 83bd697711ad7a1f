package db

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/replicasync/replica/internal/replica/schema"
)

// Filter is an equality condition on one property. For to-one links Value
// is the target ID.
type Filter struct {
	Field string
	Value any
}

// Query selects objects of one class.
type Query struct {
	Class      string
	Where      []Filter
	SortBy     string
	Descending bool
}

// Get reads one object. Returns ErrNotFound if it does not exist.
func (db *DB) Get(ctx context.Context, class, id string) (*schema.Object, error) {
	if db.conn == nil {
		return nil, ErrClosed
	}
	return getObject(ctx, db.conn, db.schema, class, id)
}

// Find returns the objects matching q. Without SortBy, objects are in
// insertion order.
func (db *DB) Find(ctx context.Context, q Query) ([]*schema.Object, error) {
	if db.conn == nil {
		return nil, ErrClosed
	}
	return find(ctx, db.conn, db.schema, q)
}

// Count returns the number of objects of class.
func (db *DB) Count(ctx context.Context, class string) (int, error) {
	if db.conn == nil {
		return 0, ErrClosed
	}
	var n int
	if err := db.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM objects WHERE class = ?`, class).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", class, err)
	}
	return n, nil
}

func getObject(ctx context.Context, q querier, s *schema.Schema, class, id string) (*schema.Object, error) {
	c, err := s.MustClass(class)
	if err != nil {
		return nil, err
	}
	objs, err := loadObjects(ctx, q, c, id)
	if err != nil {
		return nil, err
	}
	if len(objs) == 0 {
		return nil, fmt.Errorf("%s %s: %w", class, id, ErrNotFound)
	}
	return objs[0], nil
}

func find(ctx context.Context, q querier, s *schema.Schema, query Query) ([]*schema.Object, error) {
	c, err := s.MustClass(query.Class)
	if err != nil {
		return nil, err
	}

	filters := make([]Filter, 0, len(query.Where))
	for _, f := range query.Where {
		p, ok := c.Property(f.Field)
		if !ok {
			return nil, fmt.Errorf("%s has no property %s", c.Name, f.Field)
		}
		if p.Type == schema.TypeList || p.Type == schema.TypeLinkingObjects {
			return nil, fmt.Errorf("%s.%s: cannot filter on a collection", c.Name, f.Field)
		}
		v, err := schema.Normalize(p, f.Value)
		if err != nil {
			return nil, fmt.Errorf("%s.%s: %w", c.Name, f.Field, err)
		}
		filters = append(filters, Filter{Field: f.Field, Value: v})
	}

	if query.SortBy != "" {
		p, ok := c.Property(query.SortBy)
		if !ok {
			return nil, fmt.Errorf("%s has no property %s", c.Name, query.SortBy)
		}
		if p.Type == schema.TypeList || p.Type == schema.TypeLinkingObjects {
			return nil, fmt.Errorf("%s.%s: cannot sort on a collection", c.Name, query.SortBy)
		}
	}

	objs, err := loadObjects(ctx, q, c, "")
	if err != nil {
		return nil, err
	}

	out := objs[:0]
	for _, o := range objs {
		if matches(o, filters) {
			out = append(out, o)
		}
	}

	if query.SortBy != "" {
		field := query.SortBy
		sort.SliceStable(out, func(i, j int) bool {
			if query.Descending {
				return compareValues(out[j].Fields[field], out[i].Fields[field]) < 0
			}
			return compareValues(out[i].Fields[field], out[j].Fields[field]) < 0
		})
	}
	return out, nil
}

func matches(o *schema.Object, filters []Filter) bool {
	for _, f := range filters {
		if compareValues(o.Fields[f.Field], f.Value) != 0 {
			return false
		}
	}
	return true
}

// compareValues orders normalized values. nil sorts first.
func compareValues(a, b any) int {
	if a == nil || b == nil {
		switch {
		case a == nil && b == nil:
			return 0
		case a == nil:
			return -1
		default:
			return 1
		}
	}
	switch x := a.(type) {
	case int64:
		if y, ok := b.(int64); ok {
			return cmpOrdered(x, y)
		}
	case float64:
		if y, ok := b.(float64); ok {
			return cmpOrdered(x, y)
		}
	case string:
		if y, ok := b.(string); ok {
			return strings.Compare(x, y)
		}
	case bool:
		if y, ok := b.(bool); ok {
			switch {
			case x == y:
				return 0
			case !x:
				return -1
			default:
				return 1
			}
		}
	}
	return strings.Compare(fmt.Sprint(a), fmt.Sprint(b))
}

func cmpOrdered[T int64 | float64](a, b T) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// loadObjects materializes the objects of one class (or just id, when set)
// in insertion order, including link fields and computed inverses.
func loadObjects(ctx context.Context, q querier, c *schema.ObjectSchema, id string) ([]*schema.Object, error) {
	query := `SELECT id, fields FROM objects WHERE class = ?`
	args := []any{c.Name}
	if id != "" {
		query += ` AND id = ?`
		args = append(args, id)
	}
	query += ` ORDER BY seq`

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", c.Name, err)
	}

	var (
		objs  []*schema.Object
		index = make(map[string]*schema.Object)
	)
	for rows.Next() {
		var oid, raw string
		if err := rows.Scan(&oid, &raw); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan %s: %w", c.Name, err)
		}
		stored, err := decodeFields(raw)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to decode %s %s: %w", c.Name, oid, err)
		}

		o := &schema.Object{Class: c.Name, ID: oid, Fields: make(map[string]any, len(c.Properties))}
		for i := range c.Properties {
			p := &c.Properties[i]
			switch p.Type {
			case schema.TypeObject:
				o.Fields[p.Name] = nil
			case schema.TypeList, schema.TypeLinkingObjects:
				o.Fields[p.Name] = []string{}
			default:
				v, err := schema.Normalize(p, stored[p.Name])
				if err != nil {
					rows.Close()
					return nil, fmt.Errorf("failed to decode %s.%s of %s: %w", c.Name, p.Name, oid, err)
				}
				o.Fields[p.Name] = v
			}
		}
		objs = append(objs, o)
		index[oid] = o
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("error iterating %s: %w", c.Name, err)
	}
	rows.Close()

	if len(objs) == 0 {
		return objs, nil
	}

	for i := range c.Properties {
		p := &c.Properties[i]
		switch {
		case p.Type.IsLink():
			err = loadLinks(ctx, q, c, p, id, index)
		case p.Type == schema.TypeLinkingObjects:
			err = loadInverse(ctx, q, p, id, index)
		}
		if err != nil {
			return nil, err
		}
	}
	return objs, nil
}

// loadLinks fills a link field, skipping targets that no longer exist.
func loadLinks(ctx context.Context, q querier, c *schema.ObjectSchema, p *schema.Property, id string, index map[string]*schema.Object) error {
	query := `
		SELECT l.id, l.target FROM links l
		JOIN objects t ON t.class = ? AND t.id = l.target
		WHERE l.class = ? AND l.field = ? AND l.removed = 0`
	args := []any{p.ObjectType, c.Name, p.Name}
	if id != "" {
		query += ` AND l.id = ?`
		args = append(args, id)
	}
	query += ` ORDER BY l.clock_t, l.clock_p`

	return scanPairs(ctx, q, query, args, func(src, target string) {
		o, ok := index[src]
		if !ok {
			return
		}
		if p.Type == schema.TypeObject {
			o.Fields[p.Name] = target
			return
		}
		o.Fields[p.Name] = append(o.Fields[p.Name].([]string), target)
	})
}

// loadInverse fills a linkingObjects field with the live sources of the
// origin link, in the sources' insertion order.
func loadInverse(ctx context.Context, q querier, p *schema.Property, id string, index map[string]*schema.Object) error {
	query := `
		SELECT l.target, l.id FROM links l
		JOIN objects s ON s.class = l.class AND s.id = l.id
		WHERE l.class = ? AND l.field = ? AND l.removed = 0`
	args := []any{p.ObjectType, p.OriginProperty}
	if id != "" {
		query += ` AND l.target = ?`
		args = append(args, id)
	}
	query += ` ORDER BY s.seq`

	return scanPairs(ctx, q, query, args, func(target, src string) {
		o, ok := index[target]
		if !ok {
			return
		}
		o.Fields[p.Name] = append(o.Fields[p.Name].([]string), src)
	})
}

func scanPairs(ctx context.Context, q querier, query string, args []any, fn func(a, b string)) error {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to query links: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var a, b string
		if err := rows.Scan(&a, &b); err != nil {
			return fmt.Errorf("failed to scan link: %w", err)
		}
		fn(a, b)
	}
	return rows.Err()
}
