// Package repository provides generic CRUD over the persistence engine plus
// per-entity repositories with fleet-domain queries. Operations run on the
// ambient session when one rides the context, so a caller-opened transaction
// spans every repository it touches; outside a scope they fall back to the
// manager's pooled engine.
package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"

	"github.com/edgefleet/edgefleet/internal/database"
	"github.com/edgefleet/edgefleet/internal/models"
	"github.com/edgefleet/edgefleet/internal/runtimectx"
)

// bulkChunk bounds the rows per multi-VALUES insert so the bind-variable
// count stays well under the engine limits.
const bulkChunk = 500

// defaultListLimit applies when a List or Search does not set one.
const defaultListLimit = 100

type persistable[T any] interface {
	*T
	models.Entity
}

// RelationLoader populates one named relation slot on a fetched entity.
type RelationLoader[T any] func(ctx context.Context, s database.Session, entity *T) error

// Repository implements the shared persistence operations for one entity
// type. Domain repositories embed it and add their own queries.
type Repository[T any, PT persistable[T]] struct {
	manager   *database.Manager
	stmts     statements
	relations map[string]RelationLoader[T]
}

// NewRepository builds a repository for T, deriving table, column list, and
// prepared SQL text from the entity's db tags.
func NewRepository[T any, PT persistable[T]](manager *database.Manager) *Repository[T, PT] {
	var zero T
	table := PT(&zero).TableName()
	return &Repository[T, PT]{
		manager:   manager,
		stmts:     buildStatements(table, reflect.TypeOf(zero)),
		relations: make(map[string]RelationLoader[T]),
	}
}

// Table returns the entity's table name.
func (r *Repository[T, PT]) Table() string { return r.stmts.table }

// RegisterRelation wires a named relation for GetWithRelations. Call during
// construction; the map is not guarded for concurrent mutation.
func (r *Repository[T, PT]) RegisterRelation(name string, loader RelationLoader[T]) {
	r.relations[name] = loader
}

// session resolves the ambient session, falling back to the pooled engine.
func (r *Repository[T, PT]) session(ctx context.Context) (database.Session, error) {
	if s, ok := runtimectx.SessionFrom(ctx); ok {
		return s, nil
	}
	if s := r.manager.Engine(); s != nil {
		return s, nil
	}
	return nil, database.ErrNotInitialized
}

func (r *Repository[T, PT]) wrap(op string, err error) error {
	return &Error{Op: op, Entity: r.stmts.table, Err: err}
}

// execNamed binds a named query against arg, rebinds for the active driver,
// and maps integrity violations onto ErrConflict.
func (r *Repository[T, PT]) execNamed(ctx context.Context, s database.Session, op, query string, arg any) (sql.Result, error) {
	bound, args, err := sqlx.Named(query, arg)
	if err != nil {
		return nil, r.wrap(op, err)
	}
	res, err := s.ExecContext(ctx, s.Rebind(bound), args...)
	if err != nil {
		if database.IsIntegrityViolation(err) {
			return nil, r.wrap(op, fmt.Errorf("%w: %v", ErrConflict, err))
		}
		return nil, r.wrap(op, err)
	}
	return res, nil
}

// Create validates, stamps, and inserts a new entity. The identity and
// bookkeeping fields are filled in place so the caller's value is complete
// after return.
func (r *Repository[T, PT]) Create(ctx context.Context, entity PT) error {
	if err := entity.Validate(); err != nil {
		return err
	}
	s, err := r.session(ctx)
	if err != nil {
		return r.wrap("create", err)
	}
	entity.Meta().StampNew(time.Now())
	_, err = r.execNamed(ctx, s, "create", r.stmts.insertSQL, entity)
	return err
}

// Get fetches one entity by id. Missing rows return (nil, nil); soft-deleted
// rows are invisible unless includeDeleted is set.
func (r *Repository[T, PT]) Get(ctx context.Context, id string, includeDeleted bool) (PT, error) {
	var none PT
	s, err := r.session(ctx)
	if err != nil {
		return none, r.wrap("get", err)
	}
	query := fmt.Sprintf("SELECT %s FROM %s WHERE id = ?", r.stmts.selectList, r.stmts.table)
	args := []any{id}
	if !includeDeleted && r.stmts.softDelete {
		query += " AND is_deleted = ?"
		args = append(args, false)
	}
	out := new(T)
	if err := s.GetContext(ctx, out, s.Rebind(query), args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return none, nil
		}
		return none, r.wrap("get", err)
	}
	return PT(out), nil
}

// ListOptions shapes a List or Count.
type ListOptions struct {
	Skip           int
	Limit          int
	OrderBy        string // "column" or "column asc|desc"; default "created_at desc"
	IncludeDeleted bool
	Filters        Filters
}

// List returns a page of entities under the given filters, newest first by
// default.
func (r *Repository[T, PT]) List(ctx context.Context, opts ListOptions) ([]PT, error) {
	s, err := r.session(ctx)
	if err != nil {
		return nil, r.wrap("list", err)
	}
	clauses, args, err := buildFilters(opts.Filters, r.stmts)
	if err != nil {
		return nil, r.wrap("list", err)
	}
	if !opts.IncludeDeleted && r.stmts.softDelete {
		clauses = append(clauses, "is_deleted = ?")
		args = append(args, false)
	}
	orderBy := "created_at DESC"
	if opts.OrderBy != "" {
		if orderBy, err = parseOrderBy(opts.OrderBy, r.stmts); err != nil {
			return nil, r.wrap("list", err)
		}
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	skip := opts.Skip
	if skip < 0 {
		skip = 0
	}
	query := fmt.Sprintf("SELECT %s FROM %s", r.stmts.selectList, r.stmts.table)
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += fmt.Sprintf(" ORDER BY %s LIMIT ? OFFSET ?", orderBy)
	args = append(args, limit, skip)

	var list []PT
	if err := s.SelectContext(ctx, &list, s.Rebind(query), args...); err != nil {
		return nil, r.wrap("list", err)
	}
	return list, nil
}

// Count returns the number of rows matching the filters.
func (r *Repository[T, PT]) Count(ctx context.Context, includeDeleted bool, f Filters) (int64, error) {
	s, err := r.session(ctx)
	if err != nil {
		return 0, r.wrap("count", err)
	}
	clauses, args, err := buildFilters(f, r.stmts)
	if err != nil {
		return 0, r.wrap("count", err)
	}
	if !includeDeleted && r.stmts.softDelete {
		clauses = append(clauses, "is_deleted = ?")
		args = append(args, false)
	}
	query := fmt.Sprintf("SELECT COUNT(*) FROM %s", r.stmts.table)
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	var n int64
	if err := s.GetContext(ctx, &n, s.Rebind(query), args...); err != nil {
		return 0, r.wrap("count", err)
	}
	return n, nil
}

// Exists reports whether an entity with the id is present.
func (r *Repository[T, PT]) Exists(ctx context.Context, id string, includeDeleted bool) (bool, error) {
	s, err := r.session(ctx)
	if err != nil {
		return false, r.wrap("exists", err)
	}
	query := fmt.Sprintf("SELECT 1 FROM %s WHERE id = ?", r.stmts.table)
	args := []any{id}
	if !includeDeleted && r.stmts.softDelete {
		query += " AND is_deleted = ?"
		args = append(args, false)
	}
	var one int
	err = s.GetContext(ctx, &one, s.Rebind(query), args...)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, r.wrap("exists", err)
	}
	return true, nil
}

// protectedColumns never accept caller-supplied changes; identity and
// bookkeeping are owned by the repository, the soft-delete pair by Delete.
var protectedColumns = map[string]bool{
	"id":         true,
	"created_at": true,
	"updated_at": true,
	"is_deleted": true,
	"deleted_at": true,
}

// applyChanges sets entity fields from a column-keyed change map, rejecting
// unknown and protected columns.
func (r *Repository[T, PT]) applyChanges(entity PT, changes map[string]any) error {
	names := make([]string, 0, len(changes))
	for name := range changes {
		names = append(names, name)
	}
	sort.Strings(names)
	ev := reflect.ValueOf(entity).Elem()
	for _, name := range names {
		col, ok := r.stmts.columnSet[name]
		if !ok {
			return fmt.Errorf("%w: unknown column %q (have: %s)", ErrInvalidFilter, name, r.stmts.knownColumns())
		}
		if protectedColumns[name] {
			return fmt.Errorf("%w: column %q cannot be changed directly", ErrInvalidFilter, name)
		}
		if err := setField(ev, col, changes[name]); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidFilter, err)
		}
	}
	return nil
}

// Update loads the entity, applies the column-keyed changes, revalidates,
// and writes the full row back. Returns (nil, nil) when the id is missing or
// soft-deleted.
func (r *Repository[T, PT]) Update(ctx context.Context, id string, changes map[string]any) (PT, error) {
	var none PT
	entity, err := r.Get(ctx, id, false)
	if err != nil || entity == nil {
		return entity, err
	}
	if err := r.applyChanges(entity, changes); err != nil {
		return none, r.wrap("update", err)
	}
	entity.Meta().Touch(time.Now())
	if err := entity.Validate(); err != nil {
		return none, err
	}
	s, err := r.session(ctx)
	if err != nil {
		return none, r.wrap("update", err)
	}
	res, err := r.execNamed(ctx, s, "update", r.stmts.updateSQL, entity)
	if err != nil {
		return none, err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		// Row vanished between the read and the write.
		return none, nil
	}
	return entity, nil
}

// Delete removes an entity. Soft deletion marks the row and keeps it for
// audit queries; hard deletion removes it outright. Reports whether a row
// was affected.
func (r *Repository[T, PT]) Delete(ctx context.Context, id string, soft bool) (bool, error) {
	s, err := r.session(ctx)
	if err != nil {
		return false, r.wrap("delete", err)
	}
	var res sql.Result
	if soft && r.stmts.softDelete {
		now := time.Now().UTC()
		query := fmt.Sprintf(
			"UPDATE %s SET is_deleted = ?, deleted_at = ?, updated_at = ? WHERE id = ? AND is_deleted = ?",
			r.stmts.table)
		res, err = s.ExecContext(ctx, s.Rebind(query), true, now, now, id, false)
	} else {
		query := fmt.Sprintf("DELETE FROM %s WHERE id = ?", r.stmts.table)
		res, err = s.ExecContext(ctx, s.Rebind(query), id)
	}
	if err != nil {
		return false, r.wrap("delete", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, r.wrap("delete", err)
	}
	return n > 0, nil
}

// HardDeleteByIDs removes rows outright by id. The retention sweeps use it
// after archival succeeds.
func (r *Repository[T, PT]) HardDeleteByIDs(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	s, err := r.session(ctx)
	if err != nil {
		return 0, r.wrap("delete", err)
	}
	query, args, err := sqlx.In(fmt.Sprintf("DELETE FROM %s WHERE id IN (?)", r.stmts.table), ids)
	if err != nil {
		return 0, r.wrap("delete", err)
	}
	res, err := s.ExecContext(ctx, s.Rebind(query), args...)
	if err != nil {
		return 0, r.wrap("delete", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, r.wrap("delete", err)
	}
	return n, nil
}

// BulkCreate validates and inserts entities in chunked multi-row statements.
// All entities share one stamp time; a validation failure on any entity
// aborts the whole batch before any write.
func (r *Repository[T, PT]) BulkCreate(ctx context.Context, entities []PT) error {
	if len(entities) == 0 {
		return nil
	}
	for i, e := range entities {
		if err := e.Validate(); err != nil {
			return r.wrap("bulk_create", fmt.Errorf("entity %d: %w", i, err))
		}
	}
	s, err := r.session(ctx)
	if err != nil {
		return r.wrap("bulk_create", err)
	}
	now := time.Now()
	for _, e := range entities {
		e.Meta().StampNew(now)
	}
	for start := 0; start < len(entities); start += bulkChunk {
		end := start + bulkChunk
		if end > len(entities) {
			end = len(entities)
		}
		if _, err := r.execNamed(ctx, s, "bulk_create", r.stmts.insertSQL, entities[start:end]); err != nil {
			return err
		}
	}
	log.Debug().Str("table", r.stmts.table).Int("rows", len(entities)).Msg("Bulk insert complete")
	return nil
}

// BulkUpdate applies per-row change maps, each carrying an "id" key. Returns
// the total number of rows affected. Run inside a transaction scope when the
// batch must be atomic.
func (r *Repository[T, PT]) BulkUpdate(ctx context.Context, updates []map[string]any) (int64, error) {
	if len(updates) == 0 {
		return 0, nil
	}
	s, err := r.session(ctx)
	if err != nil {
		return 0, r.wrap("bulk_update", err)
	}
	now := time.Now().UTC()
	var total int64
	for i, changes := range updates {
		id, ok := changes["id"].(string)
		if !ok || id == "" {
			return total, r.wrap("bulk_update", fmt.Errorf("entry %d: missing id", i))
		}
		assigns := make([]string, 0, len(changes))
		args := make([]any, 0, len(changes)+2)
		names := make([]string, 0, len(changes))
		for name := range changes {
			if name == "id" {
				continue
			}
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			if _, known := r.stmts.columnSet[name]; !known {
				return total, r.wrap("bulk_update", fmt.Errorf("%w: unknown column %q", ErrInvalidFilter, name))
			}
			if protectedColumns[name] {
				return total, r.wrap("bulk_update", fmt.Errorf("%w: column %q cannot be changed directly", ErrInvalidFilter, name))
			}
			assigns = append(assigns, name+" = ?")
			args = append(args, changes[name])
		}
		if len(assigns) == 0 {
			continue
		}
		if r.stmts.hasUpdated {
			assigns = append(assigns, "updated_at = ?")
			args = append(args, now)
		}
		args = append(args, id)
		query := fmt.Sprintf("UPDATE %s SET %s WHERE id = ?", r.stmts.table, strings.Join(assigns, ", "))
		res, err := s.ExecContext(ctx, s.Rebind(query), args...)
		if err != nil {
			if database.IsIntegrityViolation(err) {
				return total, r.wrap("bulk_update", fmt.Errorf("%w: %v", ErrConflict, err))
			}
			return total, r.wrap("bulk_update", err)
		}
		if n, err := res.RowsAffected(); err == nil {
			total += n
		}
	}
	return total, nil
}

// GetWithRelations fetches an entity and populates the named relation slots.
// Unknown relation names are an error; missing related rows leave the slot
// nil.
func (r *Repository[T, PT]) GetWithRelations(ctx context.Context, id string, relations ...string) (PT, error) {
	var none PT
	entity, err := r.Get(ctx, id, false)
	if err != nil || entity == nil {
		return entity, err
	}
	s, err := r.session(ctx)
	if err != nil {
		return none, r.wrap("get", err)
	}
	for _, name := range relations {
		loader, ok := r.relations[name]
		if !ok {
			known := make([]string, 0, len(r.relations))
			for k := range r.relations {
				known = append(known, k)
			}
			sort.Strings(known)
			return none, r.wrap("get", fmt.Errorf("%w: unknown relation %q (have: %s)",
				ErrInvalidFilter, name, strings.Join(known, ", ")))
		}
		if err := loader(ctx, s, (*T)(entity)); err != nil {
			return none, r.wrap("get", err)
		}
	}
	return entity, nil
}

// Search matches a term case-insensitively against the given text columns.
// LIKE metacharacters in the term are escaped so they match literally.
func (r *Repository[T, PT]) Search(ctx context.Context, term string, fields []string, skip, limit int) ([]PT, error) {
	if len(fields) == 0 {
		return nil, r.wrap("search", fmt.Errorf("%w: no search fields given", ErrInvalidFilter))
	}
	s, err := r.session(ctx)
	if err != nil {
		return nil, r.wrap("search", err)
	}
	pattern := "%" + escapeLike(term) + "%"
	matches := make([]string, 0, len(fields))
	args := make([]any, 0, len(fields)+3)
	for _, f := range fields {
		if _, ok := r.stmts.columnSet[f]; !ok {
			return nil, r.wrap("search", fmt.Errorf("%w: unknown search column %q", ErrInvalidFilter, f))
		}
		matches = append(matches, fmt.Sprintf(`LOWER(%s) LIKE LOWER(?) ESCAPE '\'`, f))
		args = append(args, pattern)
	}
	if limit <= 0 {
		limit = defaultListLimit
	}
	if skip < 0 {
		skip = 0
	}
	query := fmt.Sprintf("SELECT %s FROM %s WHERE (%s)", r.stmts.selectList, r.stmts.table, strings.Join(matches, " OR "))
	if r.stmts.softDelete {
		query += " AND is_deleted = ?"
		args = append(args, false)
	}
	query += " ORDER BY created_at DESC LIMIT ? OFFSET ?"
	args = append(args, limit, skip)

	var list []PT
	if err := s.SelectContext(ctx, &list, s.Rebind(query), args...); err != nil {
		return nil, r.wrap("search", err)
	}
	return list, nil
}

func escapeLike(term string) string {
	replacer := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return replacer.Replace(term)
}

// groupCount tallies live rows of a table by one column. Statistics
// endpoints across the domain repositories share it.
func groupCount(ctx context.Context, s database.Session, table, col string) (map[string]int64, error) {
	query := fmt.Sprintf("SELECT %s AS grp, COUNT(*) AS n FROM %s WHERE is_deleted = ? GROUP BY %s", col, table, col)
	var rows []struct {
		Grp string `db:"grp"`
		N   int64  `db:"n"`
	}
	if err := s.SelectContext(ctx, &rows, s.Rebind(query), false); err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(rows))
	for _, row := range rows {
		out[row.Grp] = row.N
	}
	return out, nil
}

// fetchByID loads one live row of another entity type on the same session.
// Relation loaders use it so a related fetch stays inside the caller's
// transaction. Missing rows return (nil, nil).
func fetchByID[R any, PR persistable[R]](ctx context.Context, s database.Session, id string) (*R, error) {
	var zero R
	stmts := buildStatements(PR(&zero).TableName(), reflect.TypeOf(zero))
	query := fmt.Sprintf("SELECT %s FROM %s WHERE id = ? AND is_deleted = ?", stmts.selectList, stmts.table)
	out := new(R)
	err := s.GetContext(ctx, out, s.Rebind(query), id, false)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}
