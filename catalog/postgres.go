package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/lib/pq"
)

// DBTX is satisfied by both *sql.DB and *sql.Tx, so that stores can be used within a
// transaction
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// column is a single assignment in a partial update: only columns whose value was
// present in the event payload are included
type column struct {
	name  string
	value any
}

// updateByID sets the given columns on a single row, bumping updated_at. It returns
// ErrNotFound if no row has that ID.
func updateByID(ctx context.Context, db DBTX, table, id string, columns []column) error {
	assignments := make([]string, 0, len(columns)+1)
	args := make([]any, 0, len(columns)+1)
	args = append(args, id)
	for _, c := range columns {
		args = append(args, c.value)
		assignments = append(assignments, fmt.Sprintf("%s = $%d", pq.QuoteIdentifier(c.name), len(args)))
	}
	assignments = append(assignments, "updated_at = now()")

	query := fmt.Sprintf("UPDATE %s SET %s WHERE id = $1", pq.QuoteIdentifier(table), strings.Join(assignments, ", "))
	res, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update %s %s: %w", table, id, err)
	}
	return expectOneRow(res, table, id)
}

// deleteByID deletes a single row, returning ErrNotFound if no row has that ID
func deleteByID(ctx context.Context, db DBTX, table, id string) error {
	query := fmt.Sprintf("DELETE FROM %s WHERE id = $1", pq.QuoteIdentifier(table))
	res, err := db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to delete %s %s: %w", table, id, err)
	}
	return expectOneRow(res, table, id)
}

func expectOneRow(res sql.Result, table, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s %s", ErrNotFound, table, id)
	}
	return nil
}

// CategoryStore is the postgres-backed Repository for categories
type CategoryStore struct {
	db DBTX
}

func NewCategoryStore(db DBTX) *CategoryStore {
	return &CategoryStore{db: db}
}

func (s *CategoryStore) Create(ctx context.Context, record *Category) (*Category, error) {
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO category (id, name, description, is_active)
		VALUES ($1, $2, $3, COALESCE($4, true))
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			description = EXCLUDED.description,
			is_active = EXCLUDED.is_active,
			updated_at = now()
		RETURNING id, name, description, is_active
	`, record.ID, record.Name, record.Description, record.IsActive)

	var stored Category
	if err := row.Scan(&stored.ID, &stored.Name, &stored.Description, &stored.IsActive); err != nil {
		return nil, fmt.Errorf("failed to create category %s: %w", record.ID, err)
	}
	return &stored, nil
}

func (s *CategoryStore) UpdateByID(ctx context.Context, id string, record *Category) error {
	var columns []column
	if record.Name != nil {
		columns = append(columns, column{"name", *record.Name})
	}
	if record.Description != nil {
		columns = append(columns, column{"description", *record.Description})
	}
	if record.IsActive != nil {
		columns = append(columns, column{"is_active", *record.IsActive})
	}
	return updateByID(ctx, s.db, "category", id, columns)
}

func (s *CategoryStore) DeleteByID(ctx context.Context, id string) error {
	return deleteByID(ctx, s.db, "category", id)
}

func (s *CategoryStore) List(ctx context.Context) ([]Category, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id, name, description, is_active FROM category ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("failed to list categories: %w", err)
	}
	defer rows.Close()

	result := make([]Category, 0)
	for rows.Next() {
		var c Category
		if err := rows.Scan(&c.ID, &c.Name, &c.Description, &c.IsActive); err != nil {
			return nil, err
		}
		result = append(result, c)
	}
	return result, rows.Err()
}

// GenreStore is the postgres-backed Repository for genres
type GenreStore struct {
	db DBTX
}

func NewGenreStore(db DBTX) *GenreStore {
	return &GenreStore{db: db}
}

func (s *GenreStore) Create(ctx context.Context, record *Genre) (*Genre, error) {
	categories := record.Categories
	if categories == nil {
		categories = []string{}
	}
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO genre (id, name, is_active, categories)
		VALUES ($1, $2, COALESCE($3, true), $4)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			is_active = EXCLUDED.is_active,
			categories = EXCLUDED.categories,
			updated_at = now()
		RETURNING id, name, is_active, categories
	`, record.ID, record.Name, record.IsActive, pq.Array(categories))

	var stored Genre
	if err := row.Scan(&stored.ID, &stored.Name, &stored.IsActive, pq.Array(&stored.Categories)); err != nil {
		return nil, fmt.Errorf("failed to create genre %s: %w", record.ID, err)
	}
	return &stored, nil
}

func (s *GenreStore) UpdateByID(ctx context.Context, id string, record *Genre) error {
	var columns []column
	if record.Name != nil {
		columns = append(columns, column{"name", *record.Name})
	}
	if record.IsActive != nil {
		columns = append(columns, column{"is_active", *record.IsActive})
	}
	if record.Categories != nil {
		columns = append(columns, column{"categories", pq.Array(record.Categories)})
	}
	return updateByID(ctx, s.db, "genre", id, columns)
}

func (s *GenreStore) DeleteByID(ctx context.Context, id string) error {
	return deleteByID(ctx, s.db, "genre", id)
}

func (s *GenreStore) List(ctx context.Context) ([]Genre, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id, name, is_active, categories FROM genre ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("failed to list genres: %w", err)
	}
	defer rows.Close()

	result := make([]Genre, 0)
	for rows.Next() {
		var g Genre
		if err := rows.Scan(&g.ID, &g.Name, &g.IsActive, pq.Array(&g.Categories)); err != nil {
			return nil, err
		}
		result = append(result, g)
	}
	return result, rows.Err()
}

// CastMemberStore is the postgres-backed Repository for cast members
type CastMemberStore struct {
	db DBTX
}

func NewCastMemberStore(db DBTX) *CastMemberStore {
	return &CastMemberStore{db: db}
}

func (s *CastMemberStore) Create(ctx context.Context, record *CastMember) (*CastMember, error) {
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO cast_member (id, name, type)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			type = EXCLUDED.type,
			updated_at = now()
		RETURNING id, name, type
	`, record.ID, record.Name, record.Type)

	var stored CastMember
	if err := row.Scan(&stored.ID, &stored.Name, &stored.Type); err != nil {
		return nil, fmt.Errorf("failed to create cast member %s: %w", record.ID, err)
	}
	return &stored, nil
}

func (s *CastMemberStore) UpdateByID(ctx context.Context, id string, record *CastMember) error {
	var columns []column
	if record.Name != nil {
		columns = append(columns, column{"name", *record.Name})
	}
	if record.Type != nil {
		columns = append(columns, column{"type", int(*record.Type)})
	}
	return updateByID(ctx, s.db, "cast_member", id, columns)
}

func (s *CastMemberStore) DeleteByID(ctx context.Context, id string) error {
	return deleteByID(ctx, s.db, "cast_member", id)
}

func (s *CastMemberStore) List(ctx context.Context) ([]CastMember, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id, name, type FROM cast_member ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("failed to list cast members: %w", err)
	}
	defer rows.Close()

	result := make([]CastMember, 0)
	for rows.Next() {
		var m CastMember
		if err := rows.Scan(&m.ID, &m.Name, &m.Type); err != nil {
			return nil, err
		}
		result = append(result, m)
	}
	return result, rows.Err()
}

var (
	_ Repository[Category]   = (*CategoryStore)(nil)
	_ Repository[Genre]      = (*GenreStore)(nil)
	_ Repository[CastMember] = (*CastMemberStore)(nil)
)
