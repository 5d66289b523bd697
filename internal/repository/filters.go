package repository

import (
	"fmt"
	"reflect"
	"sort"
	"strings"
)

// Filters constrains a List or Count. Values are matched by column:
//
//	scalar          column = value (nil matches IS NULL)
//	slice           column IN (...)
//	map[string]any  operator map, e.g. {"gte": 10, "lt": 20}
//
// Supported operators: eq, ne, gt, gte, lt, lte, like, ilike.
type Filters map[string]any

var filterOps = map[string]string{
	"eq":  "=",
	"ne":  "!=",
	"gt":  ">",
	"gte": ">=",
	"lt":  "<",
	"lte": "<=",
}

// buildFilters renders f into WHERE fragments with ? placeholders. Columns
// are checked against the entity's column set so a typo surfaces as
// ErrInvalidFilter instead of an engine syntax error.
func buildFilters(f Filters, stmts statements) ([]string, []any, error) {
	if len(f) == 0 {
		return nil, nil, nil
	}
	names := make([]string, 0, len(f))
	for name := range f {
		names = append(names, name)
	}
	sort.Strings(names)

	var clauses []string
	var args []any
	for _, name := range names {
		if _, ok := stmts.columnSet[name]; !ok {
			return nil, nil, fmt.Errorf("%w: unknown column %q (have: %s)", ErrInvalidFilter, name, stmts.knownColumns())
		}
		value := f[name]
		if value == nil {
			clauses = append(clauses, name+" IS NULL")
			continue
		}
		switch v := value.(type) {
		case map[string]any:
			ops := make([]string, 0, len(v))
			for op := range v {
				ops = append(ops, op)
			}
			sort.Strings(ops)
			for _, op := range ops {
				clause, arg, err := opClause(name, op, v[op])
				if err != nil {
					return nil, nil, err
				}
				clauses = append(clauses, clause)
				args = append(args, arg)
			}
		default:
			rv := reflect.ValueOf(value)
			if rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array {
				if rv.Len() == 0 {
					// Empty membership matches nothing.
					clauses = append(clauses, "1 = 0")
					continue
				}
				marks := make([]string, rv.Len())
				for i := 0; i < rv.Len(); i++ {
					marks[i] = "?"
					args = append(args, rv.Index(i).Interface())
				}
				clauses = append(clauses, fmt.Sprintf("%s IN (%s)", name, strings.Join(marks, ", ")))
				continue
			}
			clauses = append(clauses, name+" = ?")
			args = append(args, value)
		}
	}
	return clauses, args, nil
}

func opClause(name, op string, value any) (string, any, error) {
	switch op {
	case "like":
		return name + " LIKE ?", value, nil
	case "ilike":
		// LOWER on both sides keeps the query text identical across engines.
		return "LOWER(" + name + ") LIKE LOWER(?)", value, nil
	default:
		if symbol, ok := filterOps[op]; ok {
			return fmt.Sprintf("%s %s ?", name, symbol), value, nil
		}
	}
	return "", nil, fmt.Errorf("%w: unknown operator %q on column %q", ErrInvalidFilter, op, name)
}

// parseOrderBy validates an ordering expression of the form "column" or
// "column asc|desc" against the entity's columns.
func parseOrderBy(expr string, stmts statements) (string, error) {
	fields := strings.Fields(strings.TrimSpace(expr))
	if len(fields) == 0 || len(fields) > 2 {
		return "", fmt.Errorf("%w: bad order_by %q", ErrInvalidFilter, expr)
	}
	name := strings.ToLower(fields[0])
	if _, ok := stmts.columnSet[name]; !ok {
		return "", fmt.Errorf("%w: unknown order_by column %q", ErrInvalidFilter, name)
	}
	direction := "ASC"
	if len(fields) == 2 {
		switch strings.ToLower(fields[1]) {
		case "asc":
		case "desc":
			direction = "DESC"
		default:
			return "", fmt.Errorf("%w: bad order_by direction %q", ErrInvalidFilter, fields[1])
		}
	}
	return name + " " + direction, nil
}
