package commands

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	lua "github.com/yuin/gopher-lua"
	"gopkg.in/yaml.v3"

	"github.com/edgefleet/edgefleet/internal/config"
)

// ErrNoModuleClasses marks a script that returned no command-module table.
var ErrNoModuleClasses = errors.New("no command module classes found")

// executeFile runs one module file in a fresh interpreter. The context
// carries the load deadline. On success the interpreter stays open and the
// returned values are what the script returned; on failure the interpreter
// is closed.
func executeFile(ctx context.Context, path string) (*lua.LState, []lua.LValue, error) {
	ls := lua.NewState()
	ls.SetContext(ctx)
	if err := ls.DoFile(path); err != nil {
		ls.Close()
		return nil, nil, err
	}
	ls.RemoveContext()
	rets := make([]lua.LValue, 0, ls.GetTop())
	for i := 1; i <= ls.GetTop(); i++ {
		rets = append(rets, ls.Get(i))
	}
	ls.SetTop(0)
	return ls, rets, nil
}

// moduleTables filters script return values down to command-module tables:
// tables carrying a name and a commands list.
func moduleTables(rets []lua.LValue) []*lua.LTable {
	var out []*lua.LTable
	for _, v := range rets {
		tbl, ok := v.(*lua.LTable)
		if !ok {
			continue
		}
		if stringField(tbl, "name") == "" {
			continue
		}
		if _, ok := tbl.RawGetString("commands").(*lua.LTable); !ok {
			continue
		}
		out = append(out, tbl)
	}
	return out
}

// parseModule builds a Module from its table form. The interpreter is
// adopted by the module; the caller must not close it on success.
func parseModule(ls *lua.LState, tbl *lua.LTable, path string) (*Module, error) {
	name := strings.TrimSpace(stringField(tbl, "name"))
	if name == "" {
		return nil, fmt.Errorf("module table in %s has no name", filepath.Base(path))
	}
	m := &Module{
		Name:        name,
		Version:     stringField(tbl, "version"),
		Description: stringField(tbl, "description"),
		Author:      stringField(tbl, "author"),
		Path:        path,
		state:       StateLoading,
		ls:          ls,
	}
	if deps, ok := tbl.RawGetString("dependencies").(*lua.LTable); ok {
		for i := 1; i <= deps.Len(); i++ {
			m.Dependencies = append(m.Dependencies, lua.LVAsString(deps.RawGetInt(i)))
		}
	}
	if fn, ok := tbl.RawGetString("initialize").(*lua.LFunction); ok {
		m.init = fn
	}
	if fn, ok := tbl.RawGetString("cleanup").(*lua.LFunction); ok {
		m.clean = fn
	}

	cmds, ok := tbl.RawGetString("commands").(*lua.LTable)
	if !ok || cmds.Len() == 0 {
		return nil, fmt.Errorf("module %s declares no commands", name)
	}
	seen := make(map[string]bool, cmds.Len())
	for i := 1; i <= cmds.Len(); i++ {
		ct, ok := cmds.RawGetInt(i).(*lua.LTable)
		if !ok {
			return nil, fmt.Errorf("module %s: command %d is not a table", name, i)
		}
		cmd, err := parseCommand(ct)
		if err != nil {
			return nil, fmt.Errorf("module %s: %w", name, err)
		}
		if seen[cmd.Name] {
			return nil, fmt.Errorf("module %s: duplicate command %q", name, cmd.Name)
		}
		seen[cmd.Name] = true
		cmd.module = m
		m.commands = append(m.commands, cmd)
	}
	return m, nil
}

func parseCommand(tbl *lua.LTable) (*Command, error) {
	name := strings.TrimSpace(stringField(tbl, "name"))
	if name == "" {
		return nil, errors.New("command with no name")
	}
	run, ok := tbl.RawGetString("run").(*lua.LFunction)
	if !ok {
		return nil, fmt.Errorf("command %s has no run function", name)
	}
	cmd := &Command{Name: name, Help: stringField(tbl, "help"), run: run}

	params, ok := tbl.RawGetString("params").(*lua.LTable)
	if !ok {
		return cmd, nil
	}
	for i := 1; i <= params.Len(); i++ {
		pt, ok := params.RawGetInt(i).(*lua.LTable)
		if !ok {
			return nil, fmt.Errorf("command %s: param %d is not a table", name, i)
		}
		p := ParamSpec{
			Name:     strings.TrimSpace(stringField(pt, "name")),
			Type:     stringField(pt, "type"),
			Required: lua.LVAsBool(pt.RawGetString("required")),
			Help:     stringField(pt, "help"),
		}
		if p.Name == "" {
			return nil, fmt.Errorf("command %s: param %d has no name", name, i)
		}
		cmd.Params = append(cmd.Params, p)
	}
	return cmd, nil
}

func stringField(tbl *lua.LTable, key string) string {
	if s, ok := tbl.RawGetString(key).(lua.LString); ok {
		return string(s)
	}
	return ""
}

// goToLua renders a Go value for the interpreter. Maps and slices convert
// recursively; anything unrecognized is stringified.
func goToLua(ls *lua.LState, v any) lua.LValue {
	switch x := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(x)
	case int:
		return lua.LNumber(x)
	case int64:
		return lua.LNumber(x)
	case uint64:
		return lua.LNumber(x)
	case float32:
		return lua.LNumber(x)
	case float64:
		return lua.LNumber(x)
	case string:
		return lua.LString(x)
	case []byte:
		return lua.LString(x)
	case time.Time:
		return lua.LString(x.Format(time.RFC3339))
	case []string:
		tbl := ls.CreateTable(len(x), 0)
		for _, s := range x {
			tbl.Append(lua.LString(s))
		}
		return tbl
	case []any:
		tbl := ls.CreateTable(len(x), 0)
		for _, item := range x {
			tbl.Append(goToLua(ls, item))
		}
		return tbl
	case map[string]any:
		tbl := ls.CreateTable(0, len(x))
		for k, item := range x {
			tbl.RawSetString(k, goToLua(ls, item))
		}
		return tbl
	default:
		return lua.LString(fmt.Sprint(x))
	}
}

// luaToGo maps interpreter values back to plain Go values. Tables with a
// sequence part become slices, everything else a string-keyed map.
func luaToGo(v lua.LValue) any {
	switch x := v.(type) {
	case *lua.LNilType:
		return nil
	case lua.LBool:
		return bool(x)
	case lua.LNumber:
		return float64(x)
	case lua.LString:
		return string(x)
	case *lua.LTable:
		if n := x.Len(); n > 0 {
			out := make([]any, 0, n)
			for i := 1; i <= n; i++ {
				out = append(out, luaToGo(x.RawGetInt(i)))
			}
			return out
		}
		out := make(map[string]any)
		x.ForEach(func(k, item lua.LValue) {
			out[lua.LVAsString(k)] = luaToGo(item)
		})
		return out
	default:
		return x.String()
	}
}

// configTable renders the active configuration as a Lua table for module
// initialize hooks.
func configTable(ls *lua.LState, cfg config.Config) (lua.LValue, error) {
	raw, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("render config: %w", err)
	}
	var plain map[string]any
	if err := yaml.Unmarshal(raw, &plain); err != nil {
		return nil, fmt.Errorf("render config: %w", err)
	}
	return goToLua(ls, plain), nil
}
