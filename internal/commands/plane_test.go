package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/edgefleet/edgefleet/internal/config"
)

func testPlaneConfig(dir string) config.Config {
	cfg := *config.Default()
	cfg.Plugins.Directory = dir
	cfg.Plugins.ReloadDelay = 0.05
	cfg.Plugins.MaxLoadRetries = 1
	cfg.Plugins.LoadTimeout = 5
	return cfg
}

func writeModule(t *testing.T, dir, name, source string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(source), 0644); err != nil {
		t.Fatalf("write module %s: %v", name, err)
	}
	return path
}

// simpleModule renders a module with one command that echoes a constant.
func simpleModule(moduleName, commandName string) string {
	return fmt.Sprintf(`
return {
	name = %q,
	version = "1.0.0",
	commands = {
		{
			name = %q,
			help = "returns a marker",
			run = function(args)
				return "ok:" .. %q, nil
			end,
		},
	},
}
`, moduleName, commandName, moduleName)
}

func TestLoadDirectorySkipsNonModules(t *testing.T) {
	dir := t.TempDir()
	writeModule(t, dir, "alpha.lua", simpleModule("alpha", "alpha_cmd"))
	writeModule(t, dir, "beta.lua", simpleModule("beta", "beta_cmd"))
	writeModule(t, dir, "_draft.lua", simpleModule("draft", "draft_cmd"))
	writeModule(t, dir, "notes.txt", "not a module")

	plane := NewPlane(testPlaneConfig(dir))
	results := plane.LoadDirectory(context.Background())
	if len(results) != 2 {
		t.Fatalf("expected 2 load results, got %d", len(results))
	}
	for _, res := range results {
		if !res.Success {
			t.Fatalf("load of %s failed: %v", res.Path, res.Err)
		}
	}
	if plane.Loaded() != 2 {
		t.Fatalf("loaded = %d, want 2", plane.Loaded())
	}
	if _, ok := plane.Module("draft"); ok {
		t.Fatal("underscore-prefixed module was loaded")
	}
}

func TestLoadFileExtractsMetadata(t *testing.T) {
	dir := t.TempDir()
	path := writeModule(t, dir, "devops.lua", `
return {
	name = "device_ops",
	version = "1.2.0",
	description = "device operations",
	author = "fleet team",
	dependencies = {"telemetry", "alerts"},
	commands = {
		{
			name = "reboot",
			help = "reboot a device",
			params = {
				{name = "device_id", type = "string", required = true, help = "target device"},
				{name = "force", type = "bool", required = false},
			},
			run = function(args) return true, nil end,
		},
	},
}
`)
	plane := NewPlane(testPlaneConfig(dir))
	res := plane.LoadFile(context.Background(), path)
	if !res.Success {
		t.Fatalf("load failed: %v", res.Err)
	}
	if res.Name != "device_ops" {
		t.Fatalf("result name = %q", res.Name)
	}

	m, ok := plane.Module("device_ops")
	if !ok {
		t.Fatal("module not registered")
	}
	if m.Version != "1.2.0" || m.Author != "fleet team" {
		t.Fatalf("metadata = %q/%q", m.Version, m.Author)
	}
	if !reflect.DeepEqual(m.Dependencies, []string{"telemetry", "alerts"}) {
		t.Fatalf("dependencies = %v", m.Dependencies)
	}
	if m.Status() != StateLoaded {
		t.Fatalf("state = %s", m.Status())
	}

	cmds := m.Commands()
	if len(cmds) != 1 || cmds[0].Name != "reboot" {
		t.Fatalf("commands = %v", cmds)
	}
	want := []ParamSpec{
		{Name: "device_id", Type: "string", Required: true, Help: "target device"},
		{Name: "force", Type: "bool", Required: false},
	}
	if !reflect.DeepEqual(cmds[0].Params, want) {
		t.Fatalf("params = %+v", cmds[0].Params)
	}
}

func TestLoadDirectoryIsolatesBrokenModule(t *testing.T) {
	dir := t.TempDir()
	writeModule(t, dir, "a.lua", simpleModule("mod_a", "cmd_a"))
	writeModule(t, dir, "b.lua", `error("kaboom at load")`)
	writeModule(t, dir, "c.lua", simpleModule("mod_c", "cmd_c"))

	plane := NewPlane(testPlaneConfig(dir))
	results := plane.LoadDirectory(context.Background())
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}

	var failures int
	for _, res := range results {
		if !res.Success {
			failures++
			if !strings.Contains(res.Err.Error(), "kaboom") {
				t.Fatalf("failure error = %v", res.Err)
			}
		}
	}
	if failures != 1 {
		t.Fatalf("failures = %d, want 1", failures)
	}
	if plane.Loaded() != 2 {
		t.Fatalf("loaded = %d, want 2", plane.Loaded())
	}
	ctx := context.Background()
	for _, cmd := range []string{"cmd_a", "cmd_c"} {
		if _, err := plane.Execute(ctx, cmd, nil); err != nil {
			t.Fatalf("command %s unavailable after sibling failure: %v", cmd, err)
		}
	}
}

func TestLoadFileNoModuleClasses(t *testing.T) {
	dir := t.TempDir()
	path := writeModule(t, dir, "empty.lua", `local x = 1 + 1`)

	plane := NewPlane(testPlaneConfig(dir))
	res := plane.LoadFile(context.Background(), path)
	if res.Success {
		t.Fatal("load succeeded without a module table")
	}
	if !errors.Is(res.Err, ErrNoModuleClasses) {
		t.Fatalf("err = %v, want ErrNoModuleClasses", res.Err)
	}
}

func TestLoadFileUsesFirstOfMultipleClasses(t *testing.T) {
	dir := t.TempDir()
	path := writeModule(t, dir, "twins.lua", `
local first = {
	name = "first",
	commands = { {name = "one", run = function(args) return 1, nil end} },
}
local second = {
	name = "second",
	commands = { {name = "two", run = function(args) return 2, nil end} },
}
return first, second
`)
	plane := NewPlane(testPlaneConfig(dir))
	res := plane.LoadFile(context.Background(), path)
	if !res.Success || res.Name != "first" {
		t.Fatalf("result = %+v", res)
	}
	if plane.Loaded() != 1 {
		t.Fatalf("loaded = %d, want 1", plane.Loaded())
	}
	if _, ok := plane.Module("second"); ok {
		t.Fatal("second class should have been discarded")
	}
}

func TestExecuteConvertsArgsAndResults(t *testing.T) {
	dir := t.TempDir()
	writeModule(t, dir, "echo.lua", `
return {
	name = "echo_mod",
	commands = {
		{
			name = "echo",
			params = { {name = "value", type = "string", required = true} },
			run = function(args)
				return { value = args.value, upper = string.upper(args.value), count = 3 }, nil
			end,
		},
	},
}
`)
	plane := NewPlane(testPlaneConfig(dir))
	plane.LoadDirectory(context.Background())

	out, err := plane.Execute(context.Background(), "echo", map[string]any{"value": "hi"})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	want := map[string]any{"value": "hi", "upper": "HI", "count": float64(3)}
	if !reflect.DeepEqual(out, want) {
		t.Fatalf("result = %#v, want %#v", out, want)
	}
}

func TestExecuteErrors(t *testing.T) {
	dir := t.TempDir()
	writeModule(t, dir, "grumpy.lua", `
return {
	name = "grumpy",
	commands = {
		{
			name = "fail",
			run = function(args) return nil, "boom" end,
		},
		{
			name = "strict",
			params = { {name = "target", type = "string", required = true} },
			run = function(args) return true, nil end,
		},
	},
}
`)
	plane := NewPlane(testPlaneConfig(dir))
	plane.LoadDirectory(context.Background())
	ctx := context.Background()

	if _, err := plane.Execute(ctx, "fail", nil); err == nil || !strings.Contains(err.Error(), "boom") {
		t.Fatalf("command error = %v", err)
	}
	if _, err := plane.Execute(ctx, "strict", map[string]any{}); err == nil || !strings.Contains(err.Error(), "missing required parameter") {
		t.Fatalf("missing param error = %v", err)
	}
	if _, err := plane.Execute(ctx, "nope", nil); err == nil || !strings.Contains(err.Error(), "unknown command") {
		t.Fatalf("unknown command error = %v", err)
	}
}

func TestInitializeReceivesConfiguration(t *testing.T) {
	dir := t.TempDir()
	writeModule(t, dir, "cfg.lua", `
local cfg
return {
	name = "cfg_probe",
	commands = {
		{
			name = "db_url",
			run = function(args)
				return cfg.database.url, nil
			end,
		},
	},
	initialize = function(config)
		cfg = config
	end,
}
`)
	cfg := testPlaneConfig(dir)
	cfg.Database.URL = "sqlite:/tmp/probe.db"
	plane := NewPlane(cfg)
	plane.LoadDirectory(context.Background())

	out, err := plane.Execute(context.Background(), "db_url", nil)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if out != "sqlite:/tmp/probe.db" {
		t.Fatalf("module saw database url %v", out)
	}
}

func TestLoadRespectsTimeout(t *testing.T) {
	dir := t.TempDir()
	path := writeModule(t, dir, "spin.lua", `while true do end`)

	cfg := testPlaneConfig(dir)
	cfg.Plugins.LoadTimeout = 0.05
	plane := NewPlane(cfg)

	res := plane.LoadFile(context.Background(), path)
	if res.Success {
		t.Fatal("runaway module loaded")
	}
	if res.Err == nil {
		t.Fatal("expected a timeout error")
	}
}

func TestUnloadRemovesCommandsAndDisposes(t *testing.T) {
	dir := t.TempDir()
	writeModule(t, dir, "tmp.lua", simpleModule("ephemeral", "blink"))

	plane := NewPlane(testPlaneConfig(dir))
	plane.LoadDirectory(context.Background())
	m, ok := plane.Module("ephemeral")
	if !ok {
		t.Fatal("module not loaded")
	}

	if err := plane.Unload("ephemeral"); err != nil {
		t.Fatalf("unload: %v", err)
	}
	if plane.Loaded() != 0 {
		t.Fatalf("loaded = %d after unload", plane.Loaded())
	}
	if m.Status() != StateGone {
		t.Fatalf("state = %s, want %s", m.Status(), StateGone)
	}
	if _, err := plane.Execute(context.Background(), "blink", nil); err == nil {
		t.Fatal("command survived its module")
	}
	if err := plane.Unload("ephemeral"); err == nil {
		t.Fatal("second unload should report the module missing")
	}
}

// lifecycleModule appends markers to a sentinel file so tests can observe
// hook ordering across loads and unloads.
func lifecycleModule(name, sentinel string) string {
	return fmt.Sprintf(`
local function mark(line)
	local f = io.open([[%s]], "a")
	f:write(line .. "\n")
	f:close()
end
return {
	name = %q,
	commands = { {name = %q, run = function(args) return true, nil end} },
	initialize = function(config) mark("init " .. %q) end,
	cleanup = function() mark("cleanup " .. %q) end,
}
`, sentinel, name, name+"_cmd", name, name)
}

func readMarkers(t *testing.T, sentinel string) []string {
	t.Helper()
	raw, err := os.ReadFile(sentinel)
	if err != nil {
		t.Fatalf("read sentinel: %v", err)
	}
	return strings.Split(strings.TrimSpace(string(raw)), "\n")
}

func TestReloadRunsCleanupBeforeInitialize(t *testing.T) {
	dir := t.TempDir()
	sentinel := filepath.Join(t.TempDir(), "markers.log")
	path := writeModule(t, dir, "life.lua", lifecycleModule("v1", sentinel))

	plane := NewPlane(testPlaneConfig(dir))
	if res := plane.LoadFile(context.Background(), path); !res.Success {
		t.Fatalf("load v1: %v", res.Err)
	}

	writeModule(t, dir, "life.lua", lifecycleModule("v2", sentinel))
	if res := plane.Reload(context.Background(), path); !res.Success {
		t.Fatalf("reload: %v", res.Err)
	}

	want := []string{"init v1", "cleanup v1", "init v2"}
	if got := readMarkers(t, sentinel); !reflect.DeepEqual(got, want) {
		t.Fatalf("marker order = %v, want %v", got, want)
	}
	if _, ok := plane.Module("v1"); ok {
		t.Fatal("old module still registered")
	}
	if _, ok := plane.Module("v2"); !ok {
		t.Fatal("new module not registered")
	}
}

func TestShutdownUnloadsInReverseOrder(t *testing.T) {
	dir := t.TempDir()
	sentinel := filepath.Join(t.TempDir(), "markers.log")
	writeModule(t, dir, "01_first.lua", lifecycleModule("one", sentinel))
	writeModule(t, dir, "02_second.lua", lifecycleModule("two", sentinel))

	plane := NewPlane(testPlaneConfig(dir))
	plane.LoadDirectory(context.Background())
	if plane.Loaded() != 2 {
		t.Fatalf("loaded = %d", plane.Loaded())
	}

	plane.Shutdown()
	if plane.Loaded() != 0 {
		t.Fatalf("loaded = %d after shutdown", plane.Loaded())
	}
	want := []string{"init one", "init two", "cleanup two", "cleanup one"}
	if got := readMarkers(t, sentinel); !reflect.DeepEqual(got, want) {
		t.Fatalf("marker order = %v, want %v", got, want)
	}
}
