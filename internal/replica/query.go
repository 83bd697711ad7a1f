package replica

import (
	"context"

	"github.com/replicasync/replica/internal/replica/db"
	"github.com/replicasync/replica/internal/replica/notify"
	"github.com/replicasync/replica/internal/replica/schema"
)

// Query builds a collection query. Methods return the query for chaining.
type Query struct {
	r *Replica
	q db.Query
}

// EqualTo keeps objects whose field equals value.
func (q *Query) EqualTo(field string, value any) *Query {
	q.q.Where = append(q.q.Where, db.Filter{Field: field, Value: value})
	return q
}

// Sort orders the results by field.
func (q *Query) Sort(field string, descending bool) *Query {
	q.q.SortBy = field
	q.q.Descending = descending
	return q
}

// FindAll returns live results that re-evaluate as the store changes. The
// first evaluation runs in the background; Results.Loaded reports when it
// is done.
func (q *Query) FindAll() *notify.Results {
	return q.r.dispatcher.Observe(q.q)
}

// Find evaluates the query once.
func (q *Query) Find(ctx context.Context) ([]*schema.Object, error) {
	return q.r.db.Find(ctx, q.q)
}
