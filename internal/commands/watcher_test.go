package commands

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/edgefleet/edgefleet/internal/config"
)

func startWatcher(t *testing.T, plane *Plane, cfg config.PluginsConfig) *Watcher {
	t.Helper()
	w, err := NewWatcher(plane, cfg)
	require.NoError(t, err)
	require.NoError(t, w.Start())
	t.Cleanup(w.Stop)
	return w
}

func TestWatcherKeepsSiblingsWhenReloadFails(t *testing.T) {
	dir := t.TempDir()
	writeModule(t, dir, "a.lua", simpleModule("mod_a", "cmd_a"))
	bPath := writeModule(t, dir, "b.lua", simpleModule("mod_b", "cmd_b"))
	writeModule(t, dir, "c.lua", simpleModule("mod_c", "cmd_c"))

	cfg := testPlaneConfig(dir)
	plane := NewPlane(cfg)
	plane.LoadDirectory(context.Background())
	require.Equal(t, 3, plane.Loaded())

	modA, ok := plane.Module("mod_a")
	require.True(t, ok)
	modC, ok := plane.Module("mod_c")
	require.True(t, ok)

	startWatcher(t, plane, cfg.Plugins)

	writeModule(t, dir, "b.lua", `error("broken on reload")`)

	require.Eventually(t, func() bool {
		return plane.Loaded() == 2
	}, 2*time.Second, 25*time.Millisecond, "broken module should end up unloaded")

	gotA, ok := plane.Module("mod_a")
	require.True(t, ok, "mod_a should survive the sibling reload")
	require.Same(t, modA, gotA, "mod_a should not have been reloaded")
	gotC, ok := plane.Module("mod_c")
	require.True(t, ok, "mod_c should survive the sibling reload")
	require.Same(t, modC, gotC, "mod_c should not have been reloaded")

	ctx := context.Background()
	_, err := plane.Execute(ctx, "cmd_a", nil)
	require.NoError(t, err)
	_, err = plane.Execute(ctx, "cmd_c", nil)
	require.NoError(t, err)
	_, err = plane.Execute(ctx, "cmd_b", nil)
	require.Error(t, err, "commands of the broken module should be gone")

	require.Eventually(t, func() bool {
		for _, res := range plane.Results() {
			if res.Path == bPath && !res.Success {
				return true
			}
		}
		return false
	}, 2*time.Second, 25*time.Millisecond, "a failed load result should be recorded")
}

func TestWatcherAppliesUpdatedModule(t *testing.T) {
	dir := t.TempDir()
	writeModule(t, dir, "station.lua", simpleModule("station", "station_v1"))

	cfg := testPlaneConfig(dir)
	plane := NewPlane(cfg)
	plane.LoadDirectory(context.Background())
	require.Equal(t, 1, plane.Loaded())

	startWatcher(t, plane, cfg.Plugins)

	writeModule(t, dir, "station.lua", simpleModule("station", "station_v2"))

	ctx := context.Background()
	require.Eventually(t, func() bool {
		_, err := plane.Execute(ctx, "station_v2", nil)
		return err == nil
	}, 2*time.Second, 25*time.Millisecond, "updated command should become available")

	_, err := plane.Execute(ctx, "station_v1", nil)
	require.Error(t, err, "replaced command should be unregistered")
	require.Equal(t, 1, plane.Loaded())
}

func TestWatcherLoadsCreatedModule(t *testing.T) {
	dir := t.TempDir()
	cfg := testPlaneConfig(dir)
	plane := NewPlane(cfg)
	plane.LoadDirectory(context.Background())
	require.Equal(t, 0, plane.Loaded())

	startWatcher(t, plane, cfg.Plugins)

	writeModule(t, dir, "fresh.lua", simpleModule("fresh", "fresh_cmd"))

	require.Eventually(t, func() bool {
		return plane.Loaded() == 1
	}, 2*time.Second, 25*time.Millisecond, "new module file should be loaded")

	_, err := plane.Execute(context.Background(), "fresh_cmd", nil)
	require.NoError(t, err)
}

func TestWatcherUnloadsRemovedModule(t *testing.T) {
	dir := t.TempDir()
	writeModule(t, dir, "keep.lua", simpleModule("keep", "keep_cmd"))
	gonePath := writeModule(t, dir, "gone.lua", simpleModule("gone", "gone_cmd"))

	cfg := testPlaneConfig(dir)
	plane := NewPlane(cfg)
	plane.LoadDirectory(context.Background())
	require.Equal(t, 2, plane.Loaded())

	startWatcher(t, plane, cfg.Plugins)

	require.NoError(t, os.Remove(gonePath))

	require.Eventually(t, func() bool {
		return plane.Loaded() == 1
	}, 2*time.Second, 25*time.Millisecond, "removed module should be unloaded")

	ctx := context.Background()
	_, err := plane.Execute(ctx, "gone_cmd", nil)
	require.Error(t, err)
	_, err = plane.Execute(ctx, "keep_cmd", nil)
	require.NoError(t, err)
}

func TestWatcherStopIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	cfg := testPlaneConfig(dir)
	plane := NewPlane(cfg)

	w, err := NewWatcher(plane, cfg.Plugins)
	require.NoError(t, err)
	require.NoError(t, w.Start())
	w.Stop()
	w.Stop()
}
