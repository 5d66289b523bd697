package repository

import (
	"fmt"
	"reflect"
	"sort"
	"strings"
)

// column ties a db tag to the reflect index chain that reaches its field,
// including fields promoted from embedded structs.
type column struct {
	name  string
	index []int
}

// collectColumns walks t and returns one column per db-tagged field in
// declaration order. Embedded structs without a tag are flattened; fields
// tagged `db:"-"` and untagged fields (relation slots) are skipped.
func collectColumns(t reflect.Type) []column {
	var out []column
	var walk func(t reflect.Type, parent []int)
	walk = func(t reflect.Type, parent []int) {
		for i := 0; i < t.NumField(); i++ {
			f := t.Field(i)
			if f.PkgPath != "" {
				continue
			}
			tag := f.Tag.Get("db")
			if tag == "-" {
				continue
			}
			idx := make([]int, len(parent)+1)
			copy(idx, parent)
			idx[len(parent)] = i
			if f.Anonymous && f.Type.Kind() == reflect.Struct && tag == "" {
				walk(f.Type, idx)
				continue
			}
			if tag == "" {
				continue
			}
			if comma := strings.IndexByte(tag, ','); comma >= 0 {
				tag = tag[:comma]
			}
			out = append(out, column{name: tag, index: idx})
		}
	}
	walk(t, nil)
	return out
}

// statements holds the SQL text a repository prepares once per entity type.
type statements struct {
	table       string
	columns     []column
	columnSet   map[string]column
	selectList  string
	insertSQL   string
	updateSQL   string
	softDelete  bool
	hasUpdated  bool
	hasOccurred bool
}

func buildStatements(table string, t reflect.Type) statements {
	cols := collectColumns(t)
	set := make(map[string]column, len(cols))
	names := make([]string, 0, len(cols))
	placeholders := make([]string, 0, len(cols))
	assigns := make([]string, 0, len(cols))
	for _, c := range cols {
		set[c.name] = c
		names = append(names, c.name)
		placeholders = append(placeholders, ":"+c.name)
		if c.name != "id" && c.name != "created_at" {
			assigns = append(assigns, c.name+" = :"+c.name)
		}
	}
	_, soft := set["is_deleted"]
	_, updated := set["updated_at"]
	_, occurred := set["occurred_at"]
	return statements{
		table:       table,
		columns:     cols,
		columnSet:   set,
		selectList:  strings.Join(names, ", "),
		insertSQL:   fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", table, strings.Join(names, ", "), strings.Join(placeholders, ", ")),
		updateSQL:   fmt.Sprintf("UPDATE %s SET %s WHERE id = :id", table, strings.Join(assigns, ", ")),
		softDelete:  soft,
		hasUpdated:  updated,
		hasOccurred: occurred,
	}
}

// knownColumns returns the sorted column names, used in error messages.
func (s statements) knownColumns() string {
	names := make([]string, 0, len(s.columnSet))
	for name := range s.columnSet {
		names = append(names, name)
	}
	sort.Strings(names)
	return strings.Join(names, ", ")
}

// setField assigns value to the entity field backing col, converting
// between compatible kinds and allocating through pointers.
func setField(entity reflect.Value, col column, value any) error {
	fv := entity.FieldByIndex(col.index)
	if value == nil {
		fv.Set(reflect.Zero(fv.Type()))
		return nil
	}
	vv := reflect.ValueOf(value)
	target := fv.Type()
	if target.Kind() == reflect.Ptr {
		if vv.Type() == target {
			fv.Set(vv)
			return nil
		}
		elem := target.Elem()
		if !vv.Type().ConvertibleTo(elem) {
			return fmt.Errorf("column %s: cannot assign %T", col.name, value)
		}
		p := reflect.New(elem)
		p.Elem().Set(vv.Convert(elem))
		fv.Set(p)
		return nil
	}
	if !vv.Type().ConvertibleTo(target) {
		return fmt.Errorf("column %s: cannot assign %T", col.name, value)
	}
	if vv.Kind() == reflect.Float64 && isIntKind(target.Kind()) {
		f := vv.Float()
		if f != float64(int64(f)) {
			return fmt.Errorf("column %s: cannot assign fractional value to integer field", col.name)
		}
	}
	fv.Set(vv.Convert(target))
	return nil
}

func isIntKind(k reflect.Kind) bool {
	switch k {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return true
	}
	return false
}
