package metrics

import (
	"context"
	"strconv"
	"strings"

	"github.com/recallhq/recall/internal/db"
	"github.com/recallhq/recall/internal/store"
)

const observationColumns = `id, assistant_session_id, project, type, title, subtitle, narrative,
	facts, concepts, files_read, files_modified, prompt_number, discovery_tokens, created_at`

// Repository streams observation rows off the read-only connection pool for
// in-memory aggregation.
type Repository struct {
	pool *db.Pool
}

// NewRepository creates a Repository over the shared pool.
func NewRepository(pool *db.Pool) *Repository {
	return &Repository{pool: pool}
}

// stream yields every observation matching the project/since filters in
// created_at order. fn is called once per row.
func (r *Repository) stream(ctx context.Context, project string, sinceMs int64, fn func(*store.Observation) error) error {
	var sb strings.Builder
	sb.WriteString(`SELECT ` + observationColumns + ` FROM observations`)

	var conds []string
	var args []any
	if project != "" {
		conds = append(conds, "project = ?")
		args = append(args, project)
	}
	if sinceMs > 0 {
		conds = append(conds, "created_at >= ?")
		args = append(args, sinceMs)
	}
	if len(conds) > 0 {
		sb.WriteString(" WHERE " + strings.Join(conds, " AND "))
	}
	sb.WriteString(" ORDER BY created_at ASC, id ASC")

	rows, err := r.pool.Reader().QueryxContext(ctx, sb.String(), args...)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var obs store.Observation
		if err := rows.StructScan(&obs); err != nil {
			return err
		}
		if err := fn(&obs); err != nil {
			return err
		}
	}
	return rows.Err()
}

// recent returns the newest observations for a project, newest first.
func (r *Repository) recent(ctx context.Context, project string, limit int) ([]store.Observation, error) {
	query := `SELECT ` + observationColumns + ` FROM observations`
	var args []any
	if project != "" {
		query += " WHERE project = ?"
		args = append(args, project)
	}
	query += " ORDER BY id DESC LIMIT " + strconv.Itoa(limit)

	var out []store.Observation
	if err := r.pool.Reader().SelectContext(ctx, &out, query, args...); err != nil {
		return nil, err
	}
	return out, nil
}
