package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/lib/pq"
)

// Postgres implements Store over a database/sql connection. Filters compile
// to parameterized WHERE clauses; inclusion filters use = ANY($n).
type Postgres struct {
	db *sql.DB
}

// NewPostgres wraps an open connection.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

// sortedKeys keeps generated SQL deterministic.
func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func buildWhere(filters Filters, startArg int) (string, []interface{}) {
	if len(filters) == 0 {
		return "", nil
	}
	var clauses []string
	var args []interface{}
	n := startArg
	for _, key := range sortedKeys(filters) {
		want := filters[key]
		if list, ok := want.([]interface{}); ok {
			vals := make([]string, 0, len(list))
			for _, v := range list {
				vals = append(vals, fmt.Sprintf("%v", v))
			}
			clauses = append(clauses, fmt.Sprintf("%s = ANY($%d)", key, n))
			args = append(args, pq.Array(vals))
		} else {
			clauses = append(clauses, fmt.Sprintf("%s = $%d", key, n))
			args = append(args, want)
		}
		n++
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func scanRecords(rows *sql.Rows) ([]Record, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var out []Record
	for rows.Next() {
		values := make([]interface{}, len(cols))
		ptrs := make([]interface{}, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		rec := make(Record, len(cols))
		for i, col := range cols {
			rec[col] = values[i]
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (p *Postgres) Select(ctx context.Context, table string, filters Filters) ([]Record, error) {
	where, args := buildWhere(filters, 1)
	query := fmt.Sprintf("SELECT * FROM %s%s ORDER BY created_at", table, where)

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select %s: %w", table, err)
	}
	defer rows.Close()

	return scanRecords(rows)
}

func (p *Postgres) Insert(ctx context.Context, table string, rec Record) error {
	keys := sortedKeys(rec)
	cols := make([]string, 0, len(keys))
	placeholders := make([]string, 0, len(keys))
	args := make([]interface{}, 0, len(keys))
	for i, key := range keys {
		cols = append(cols, key)
		placeholders = append(placeholders, fmt.Sprintf("$%d", i+1))
		args = append(args, rec[key])
	}

	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		table, strings.Join(cols, ", "), strings.Join(placeholders, ", "))
	if _, err := p.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("insert %s: %w", table, err)
	}
	return nil
}

func (p *Postgres) Update(ctx context.Context, table, id string, patch Record) error {
	keys := sortedKeys(patch)
	sets := make([]string, 0, len(keys))
	args := make([]interface{}, 0, len(keys)+1)
	for i, key := range keys {
		sets = append(sets, fmt.Sprintf("%s = $%d", key, i+1))
		args = append(args, patch[key])
	}
	args = append(args, id)

	query := fmt.Sprintf("UPDATE %s SET %s WHERE id = $%d", table, strings.Join(sets, ", "), len(keys)+1)
	res, err := p.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update %s: %w", table, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) Delete(ctx context.Context, table, id string) error {
	query := fmt.Sprintf("DELETE FROM %s WHERE id = $1", table)
	res, err := p.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("delete %s: %w", table, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *Postgres) FindByID(ctx context.Context, table, id string) (Record, error) {
	return p.FindOne(ctx, table, Filters{"id": id})
}

func (p *Postgres) FindOne(ctx context.Context, table string, filters Filters) (Record, error) {
	where, args := buildWhere(filters, 1)
	query := fmt.Sprintf("SELECT * FROM %s%s LIMIT 1", table, where)

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("find %s: %w", table, err)
	}
	defer rows.Close()

	recs, err := scanRecords(rows)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, ErrNotFound
	}
	return recs[0], nil
}

func (p *Postgres) Count(ctx context.Context, table string, filters Filters) (int, error) {
	where, args := buildWhere(filters, 1)
	query := fmt.Sprintf("SELECT COUNT(*) FROM %s%s", table, where)

	var n int
	err := p.db.QueryRowContext(ctx, query, args...).Scan(&n)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("count %s: %w", table, err)
	}
	return n, nil
}
