package commands

import (
	"context"
	"fmt"
	"sync"

	lua "github.com/yuin/gopher-lua"
)

// State tracks where a module sits in its lifecycle.
type State string

const (
	StateDiscovered State = "discovered"
	StateLoading    State = "loading"
	StateLoaded     State = "loaded"
	StateReloading  State = "reloading"
	StateUnloading  State = "unloading"
	StateFailed     State = "failed"
	StateGone       State = "gone"
)

// ParamSpec documents one command parameter.
type ParamSpec struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Required bool   `json:"required"`
	Help     string `json:"help,omitempty"`
}

// Command is one operator action a module provides. The run function lives
// in the owning module's interpreter.
type Command struct {
	Name   string
	Help   string
	Params []ParamSpec

	run    *lua.LFunction
	module *Module
}

// Module returns the owning module's name.
func (c *Command) Module() string { return c.module.Name }

// Module is one loaded command module and its isolated interpreter. All
// calls into the interpreter are serialized; an LState is not safe for
// concurrent use.
type Module struct {
	Name         string
	Version      string
	Description  string
	Author       string
	Dependencies []string
	Path         string

	commands []*Command

	mu    sync.Mutex
	state State
	ls    *lua.LState
	init  *lua.LFunction
	clean *lua.LFunction
}

// Commands returns the module's commands in declaration order.
func (m *Module) Commands() []*Command {
	out := make([]*Command, len(m.commands))
	copy(out, m.commands)
	return out
}

// Status returns the module's lifecycle state.
func (m *Module) Status() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Module) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

// call runs a function inside the module's interpreter, honoring ctx
// cancellation and collecting nret return values.
func (m *Module) call(ctx context.Context, fn *lua.LFunction, nret int, args ...lua.LValue) ([]lua.LValue, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ls == nil {
		return nil, fmt.Errorf("module %s is unloaded", m.Name)
	}
	if ctx != nil {
		m.ls.SetContext(ctx)
		defer m.ls.RemoveContext()
	}
	if err := m.ls.CallByParam(lua.P{Fn: fn, NRet: nret, Protect: true}, args...); err != nil {
		return nil, err
	}
	out := make([]lua.LValue, nret)
	for i := nret - 1; i >= 0; i-- {
		out[i] = m.ls.Get(-1)
		m.ls.Pop(1)
	}
	return out, nil
}

// initialize runs the module's initialize(config) hook, when declared.
func (m *Module) initialize(ctx context.Context, cfg lua.LValue) error {
	if m.init == nil {
		return nil
	}
	if _, err := m.call(ctx, m.init, 0, cfg); err != nil {
		return fmt.Errorf("initialize %s: %w", m.Name, err)
	}
	return nil
}

// cleanup runs the module's cleanup() hook, when declared.
func (m *Module) cleanup() error {
	if m.clean == nil {
		return nil
	}
	if _, err := m.call(context.Background(), m.clean, 0); err != nil {
		return fmt.Errorf("cleanup %s: %w", m.Name, err)
	}
	return nil
}

// runCommand invokes a command's run(args) and maps its (result, err) pair
// back to Go.
func (m *Module) runCommand(ctx context.Context, cmd *Command, args map[string]any) (any, error) {
	m.mu.Lock()
	if m.ls == nil {
		m.mu.Unlock()
		return nil, fmt.Errorf("module %s is unloaded", m.Name)
	}
	argv := goToLua(m.ls, args)
	m.mu.Unlock()

	rets, err := m.call(ctx, cmd.run, 2, argv)
	if err != nil {
		return nil, fmt.Errorf("command %s: %w", cmd.Name, err)
	}
	if rets[1] != lua.LNil {
		return luaToGo(rets[0]), fmt.Errorf("command %s: %s", cmd.Name, lua.LVAsString(rets[1]))
	}
	return luaToGo(rets[0]), nil
}

// dispose closes the interpreter so the module's namespace is reclaimed.
// Runs the cleanup hook first; its failure is reported but never blocks
// disposal.
func (m *Module) dispose() error {
	err := m.cleanup()
	m.mu.Lock()
	if m.ls != nil {
		m.ls.Close()
		m.ls = nil
	}
	m.state = StateGone
	m.mu.Unlock()
	return err
}
