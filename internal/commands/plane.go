// Package commands loads operator command modules from Lua files and keeps
// them hot-reloadable behind a shared command registry. Each module runs in
// its own interpreter; one broken file never takes down the rest.
package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/edgefleet/edgefleet/internal/config"
	"github.com/edgefleet/edgefleet/internal/metrics"
)

const moduleExt = ".lua"

// resultHistory caps how many load results the plane remembers.
const resultHistory = 100

// LoadResult records one load attempt.
type LoadResult struct {
	Name     string        `json:"name,omitempty"`
	Path     string        `json:"path"`
	Success  bool          `json:"success"`
	Err      error         `json:"-"`
	Duration time.Duration `json:"duration"`
}

// Plane owns the module registry and the shared command registry.
type Plane struct {
	cfg         config.Config
	loadTimeout time.Duration

	mu       sync.RWMutex
	modules  map[string]*Module  // by module name
	byPath   map[string]string   // file path -> module name
	registry map[string]*Command // command name -> active binding
	order    []string            // module names in load order
	results  []LoadResult
}

// NewPlane builds an empty plane. The configuration is handed to every
// module's initialize hook.
func NewPlane(cfg config.Config) *Plane {
	timeout := config.Seconds(cfg.Plugins.LoadTimeout)
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Plane{
		cfg:         cfg,
		loadTimeout: timeout,
		modules:     make(map[string]*Module),
		byPath:      make(map[string]string),
		registry:    make(map[string]*Command),
	}
}

// Dir returns the configured module directory.
func (p *Plane) Dir() string { return p.cfg.Plugins.Directory }

// isModuleFile reports whether a path names a loadable module: a .lua file
// whose name does not start with an underscore.
func isModuleFile(path string) bool {
	base := filepath.Base(path)
	return strings.HasSuffix(base, moduleExt) && !strings.HasPrefix(base, "_")
}

// LoadDirectory loads every module file in the configured directory. A
// failed load never interrupts the others; each file gets its own result.
func (p *Plane) LoadDirectory(ctx context.Context) []LoadResult {
	dir := p.cfg.Plugins.Directory
	entries, err := os.ReadDir(dir)
	if err != nil {
		log.Error().Err(err).Str("dir", dir).Msg("Command module directory unreadable")
		return nil
	}
	var results []LoadResult
	for _, entry := range entries {
		if entry.IsDir() || !isModuleFile(entry.Name()) {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		log.Debug().Str("path", path).Str("state", string(StateDiscovered)).Msg("Command module discovered")
		results = append(results, p.LoadFile(ctx, path))
	}
	return results
}

// LoadFile executes one module file and swaps it into the registry. Every
// failure mode is captured in the result; a load can never take down the
// caller. When the file replaces an already-loaded module, the old module's
// cleanup runs before the new one's initialize.
func (p *Plane) LoadFile(ctx context.Context, path string) LoadResult {
	start := time.Now()
	loadCtx, cancel := context.WithTimeout(ctx, p.loadTimeout)
	defer cancel()

	ls, rets, err := executeFile(loadCtx, path)
	if err != nil {
		return p.failed(path, start, fmt.Errorf("execute %s: %w", filepath.Base(path), err))
	}
	tables := moduleTables(rets)
	if len(tables) == 0 {
		ls.Close()
		return p.failed(path, start, fmt.Errorf("%w in %s", ErrNoModuleClasses, filepath.Base(path)))
	}
	if len(tables) > 1 {
		log.Warn().Str("path", path).Int("classes", len(tables)).Msg("Multiple command module classes, using the first")
	}
	module, err := parseModule(ls, tables[0], path)
	if err != nil {
		ls.Close()
		return p.failed(path, start, err)
	}
	cfgTable, err := configTable(ls, p.cfg)
	if err != nil {
		ls.Close()
		return p.failed(path, start, err)
	}

	p.displace(path, module.Name)

	if err := module.initialize(loadCtx, cfgTable); err != nil {
		module.setState(StateFailed)
		ls.Close()
		return p.failed(path, start, err)
	}
	module.setState(StateLoaded)
	p.publish(module)

	res := LoadResult{Name: module.Name, Path: path, Success: true, Duration: time.Since(start)}
	p.record(res)
	metrics.RecordModuleLoad(true)
	log.Info().
		Str("module", module.Name).
		Str("version", module.Version).
		Int("commands", len(module.commands)).
		Dur("elapsed", res.Duration).
		Msg("Command module loaded")
	return res
}

func (p *Plane) failed(path string, start time.Time, err error) LoadResult {
	res := LoadResult{Path: path, Success: false, Err: err, Duration: time.Since(start)}
	p.record(res)
	metrics.RecordModuleLoad(false)
	log.Warn().Err(err).Str("path", path).Msg("Command module load failed")
	return res
}

func (p *Plane) record(res LoadResult) {
	p.mu.Lock()
	p.results = append(p.results, res)
	if len(p.results) > resultHistory {
		p.results = p.results[len(p.results)-resultHistory:]
	}
	p.mu.Unlock()
}

// displace unloads whatever module is bound to the path or the name, so a
// replacement can take their place. Cleanups run here, strictly before the
// caller initializes the new module.
func (p *Plane) displace(path, name string) {
	var olds []*Module
	p.mu.Lock()
	if boundName, ok := p.byPath[path]; ok {
		if old := p.modules[boundName]; old != nil {
			olds = append(olds, old)
			p.evictLocked(old)
		}
	}
	if old := p.modules[name]; old != nil {
		olds = append(olds, old)
		p.evictLocked(old)
	}
	n := len(p.modules)
	p.mu.Unlock()

	for _, old := range olds {
		old.setState(StateUnloading)
		if err := old.dispose(); err != nil {
			log.Warn().Err(err).Str("module", old.Name).Msg("Module cleanup failed")
		}
	}
	metrics.SetModulesLoaded(n)
}

// evictLocked removes a module and its command bindings from the maps.
// Bindings a later module already replaced stay untouched.
func (p *Plane) evictLocked(m *Module) {
	delete(p.modules, m.Name)
	if p.byPath[m.Path] == m.Name {
		delete(p.byPath, m.Path)
	}
	for i, n := range p.order {
		if n == m.Name {
			p.order = append(p.order[:i], p.order[i+1:]...)
			break
		}
	}
	for name, cmd := range p.registry {
		if cmd.module == m {
			delete(p.registry, name)
		}
	}
}

// publish installs the module and its commands, replacing prior command
// bindings by name.
func (p *Plane) publish(module *Module) {
	p.mu.Lock()
	p.modules[module.Name] = module
	p.byPath[module.Path] = module.Name
	p.order = append(p.order, module.Name)
	for _, cmd := range module.commands {
		if prior, ok := p.registry[cmd.Name]; ok {
			log.Warn().
				Str("command", cmd.Name).
				Str("previous", prior.module.Name).
				Str("module", module.Name).
				Msg("Command binding replaced")
		}
		p.registry[cmd.Name] = cmd
	}
	n := len(p.modules)
	p.mu.Unlock()
	metrics.SetModulesLoaded(n)
}

// Unload runs a module's cleanup, removes its commands from the registry,
// and disposes its interpreter. Cleanup failures are logged; the module is
// gone either way.
func (p *Plane) Unload(name string) error {
	p.mu.Lock()
	module, ok := p.modules[name]
	if !ok {
		p.mu.Unlock()
		return fmt.Errorf("module %q is not loaded", name)
	}
	p.evictLocked(module)
	n := len(p.modules)
	p.mu.Unlock()

	module.setState(StateUnloading)
	if err := module.dispose(); err != nil {
		log.Warn().Err(err).Str("module", name).Msg("Module cleanup failed")
	}
	metrics.SetModulesLoaded(n)
	log.Info().Str("module", name).Msg("Command module unloaded")
	return nil
}

// UnloadPath unloads whichever module the file produced. Unknown paths are
// a no-op so remove events for unrelated files stay quiet.
func (p *Plane) UnloadPath(path string) {
	p.mu.RLock()
	name, ok := p.byPath[path]
	p.mu.RUnlock()
	if ok {
		_ = p.Unload(name)
	}
}

// Reload unloads whatever the file previously produced, then loads it
// fresh. A failed load leaves the module unloaded with a failure result.
func (p *Plane) Reload(ctx context.Context, path string) LoadResult {
	p.UnloadPath(path)
	return p.LoadFile(ctx, path)
}

// Execute runs a registered command with the given arguments.
func (p *Plane) Execute(ctx context.Context, command string, args map[string]any) (any, error) {
	p.mu.RLock()
	cmd, ok := p.registry[command]
	p.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown command %q", command)
	}
	for _, param := range cmd.Params {
		if param.Required {
			if _, present := args[param.Name]; !present {
				return nil, fmt.Errorf("command %s: missing required parameter %q", command, param.Name)
			}
		}
	}
	out, err := cmd.module.runCommand(ctx, cmd, args)
	metrics.RecordCommandRun(command, err == nil)
	if err != nil {
		log.Warn().Err(err).Str("command", command).Str("module", cmd.module.Name).Msg("Command failed")
	}
	return out, err
}

// Module returns a loaded module by name.
func (p *Plane) Module(name string) (*Module, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	m, ok := p.modules[name]
	return m, ok
}

// Modules lists loaded modules in load order.
func (p *Plane) Modules() []*Module {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*Module, 0, len(p.order))
	for _, name := range p.order {
		out = append(out, p.modules[name])
	}
	return out
}

// Commands lists registered commands sorted by name.
func (p *Plane) Commands() []*Command {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*Command, 0, len(p.registry))
	for _, cmd := range p.registry {
		out = append(out, cmd)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Results returns the load-result history, oldest first.
func (p *Plane) Results() []LoadResult {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]LoadResult, len(p.results))
	copy(out, p.results)
	return out
}

// Loaded reports how many modules are active.
func (p *Plane) Loaded() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.modules)
}

// Shutdown unloads every module in reverse load order.
func (p *Plane) Shutdown() {
	p.mu.RLock()
	names := make([]string, len(p.order))
	copy(names, p.order)
	p.mu.RUnlock()

	for i := len(names) - 1; i >= 0; i-- {
		_ = p.Unload(names[i])
	}
	log.Info().Int("modules", len(names)).Msg("Command plane shut down")
}
