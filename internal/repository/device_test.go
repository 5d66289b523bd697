package repository

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/edgefleet/edgefleet/internal/models"
)

func TestGetByNaturalKeys(t *testing.T) {
	devices := NewDeviceRepository(newTestManager(t))
	ctx := context.Background()

	d := testDevice("nk-gateway")
	d.SerialNumber = "SN-NK-1"
	d.MACAddress = "aa:bb:cc:dd:ee:01"
	d.IPAddress = "10.20.0.7"
	mustCreateDevice(t, devices, d)

	byName, err := devices.GetByName(ctx, "nk-gateway")
	if err != nil || byName == nil || byName.ID != d.ID {
		t.Fatalf("by name: %v %v", byName, err)
	}
	bySerial, err := devices.GetBySerialNumber(ctx, "SN-NK-1")
	if err != nil || bySerial == nil || bySerial.ID != d.ID {
		t.Fatalf("by serial: %v %v", bySerial, err)
	}
	// MAC lookup ignores case.
	byMAC, err := devices.GetByMACAddress(ctx, "AA:BB:CC:DD:EE:01")
	if err != nil || byMAC == nil || byMAC.ID != d.ID {
		t.Fatalf("by mac: %v %v", byMAC, err)
	}
	byIP, err := devices.GetByIP(ctx, "10.20.0.7")
	if err != nil || byIP == nil || byIP.ID != d.ID {
		t.Fatalf("by ip: %v %v", byIP, err)
	}

	missing, err := devices.GetByName(ctx, "never-enrolled")
	if err != nil || missing != nil {
		t.Fatalf("missing name: %v %v", missing, err)
	}
}

func TestHeartbeatRevivesOfflineDevice(t *testing.T) {
	devices := NewDeviceRepository(newTestManager(t))
	ctx := context.Background()

	d := testDevice("hb-1")
	d.Status = models.DeviceStatusOffline
	mustCreateDevice(t, devices, d)

	ok, err := devices.UpdateHeartbeat(ctx, d.ID)
	if err != nil || !ok {
		t.Fatalf("heartbeat: %v %v", ok, err)
	}
	got, err := devices.Get(ctx, d.ID, false)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != models.DeviceStatusOnline {
		t.Fatalf("status = %s, want online", got.Status)
	}
	if got.LastSeen == nil || got.LastHeartbeat == nil {
		t.Fatalf("liveness stamps unset: seen=%v heartbeat=%v", got.LastSeen, got.LastHeartbeat)
	}

	// Heartbeats never pull a device out of maintenance.
	m := testDevice("hb-2")
	m.Status = models.DeviceStatusMaintenance
	mustCreateDevice(t, devices, m)
	if ok, err := devices.UpdateHeartbeat(ctx, m.ID); err != nil || !ok {
		t.Fatalf("heartbeat maintenance: %v %v", ok, err)
	}
	got, _ = devices.Get(ctx, m.ID, false)
	if got.Status != models.DeviceStatusMaintenance {
		t.Fatalf("maintenance status = %s", got.Status)
	}
	if got.LastHeartbeat == nil {
		t.Fatalf("heartbeat stamp missing on maintenance device")
	}

	if ok, err := devices.UpdateHeartbeat(ctx, "no-such-id"); err != nil || ok {
		t.Fatalf("unknown id: %v %v", ok, err)
	}
}

func TestUpdateLastSeenLeavesStatusAlone(t *testing.T) {
	devices := NewDeviceRepository(newTestManager(t))
	ctx := context.Background()

	d := testDevice("seen-only")
	d.Status = models.DeviceStatusOffline
	mustCreateDevice(t, devices, d)

	ok, err := devices.UpdateLastSeen(ctx, d.ID)
	if err != nil || !ok {
		t.Fatalf("update last seen: %v %v", ok, err)
	}
	got, _ := devices.Get(ctx, d.ID, false)
	if got.Status != models.DeviceStatusOffline {
		t.Fatalf("passive sighting changed status to %s", got.Status)
	}
	if got.LastSeen == nil || got.LastHeartbeat != nil {
		t.Fatalf("stamps: seen=%v heartbeat=%v", got.LastSeen, got.LastHeartbeat)
	}
}

func TestStaleSweepMarksOffline(t *testing.T) {
	devices := NewDeviceRepository(newTestManager(t))
	ctx := context.Background()

	stale := mustCreateDevice(t, devices, testDevice("sw-stale"))
	if _, err := devices.Update(ctx, stale.ID, map[string]any{"last_seen": time.Now().UTC().Add(-2 * time.Hour)}); err != nil {
		t.Fatalf("backdate last_seen: %v", err)
	}

	// Online but never reported counts as stale too.
	neverSeen := mustCreateDevice(t, devices, testDevice("sw-silent"))

	fresh := mustCreateDevice(t, devices, testDevice("sw-fresh"))
	if _, err := devices.UpdateLastSeen(ctx, fresh.ID); err != nil {
		t.Fatalf("freshen: %v", err)
	}

	alreadyDown := testDevice("sw-down")
	alreadyDown.Status = models.DeviceStatusOffline
	mustCreateDevice(t, devices, alreadyDown)

	got, err := devices.ListStale(ctx, time.Hour)
	if err != nil {
		t.Fatalf("list stale: %v", err)
	}
	ids := map[string]bool{}
	for _, d := range got {
		ids[d.ID] = true
	}
	if len(got) != 2 || !ids[stale.ID] || !ids[neverSeen.ID] {
		t.Fatalf("stale set = %v", ids)
	}

	n, err := devices.MarkOffline(ctx, []string{stale.ID, neverSeen.ID})
	if err != nil {
		t.Fatalf("mark offline: %v", err)
	}
	if n != 2 {
		t.Fatalf("marked = %d", n)
	}
	down, err := devices.ListOffline(ctx, 0, 10)
	if err != nil {
		t.Fatalf("list offline: %v", err)
	}
	if len(down) != 3 {
		t.Fatalf("offline = %d", len(down))
	}
	if again, _ := devices.ListStale(ctx, time.Hour); len(again) != 0 {
		t.Fatalf("stale after sweep = %d", len(again))
	}
}

func TestListByLocationRanksByDistance(t *testing.T) {
	devices := NewDeviceRepository(newTestManager(t))
	ctx := context.Background()

	place := func(name string, lat, lon float64) *models.Device {
		d := testDevice(name)
		d.LocationLat = f64(lat)
		d.LocationLon = f64(lon)
		return mustCreateDevice(t, devices, d)
	}
	near := place("loc-near", 52.5205, 13.4049)
	mid := place("loc-mid", 52.55, 13.40)
	place("loc-far", 53.55, 10.00)
	mustCreateDevice(t, devices, testDevice("loc-nowhere"))

	got, err := devices.ListByLocation(ctx, 52.52, 13.405, 5)
	if err != nil {
		t.Fatalf("list by location: %v", err)
	}
	if len(got) != 2 || got[0].ID != near.ID || got[1].ID != mid.ID {
		names := make([]string, len(got))
		for i, d := range got {
			names[i] = d.Name
		}
		t.Fatalf("within 5km = %v", names)
	}

	got, err = devices.ListByLocation(ctx, 52.52, 13.405, 1)
	if err != nil {
		t.Fatalf("tight radius: %v", err)
	}
	if len(got) != 1 || got[0].ID != near.ID {
		t.Fatalf("within 1km = %d", len(got))
	}

	if _, err := devices.ListByLocation(ctx, 95, 13.4, 5); !errors.Is(err, ErrInvalidFilter) {
		t.Fatalf("bad latitude: %v", err)
	}
	if _, err := devices.ListByLocation(ctx, 52.52, 13.4, 0); !errors.Is(err, ErrInvalidFilter) {
		t.Fatalf("zero radius: %v", err)
	}
}

func TestHealthAndBatteryScans(t *testing.T) {
	devices := NewDeviceRepository(newTestManager(t))
	ctx := context.Background()

	healthy := testDevice("hb-healthy")
	healthy.HealthScore = f64(0.9)
	mustCreateDevice(t, devices, healthy)

	ailing := testDevice("hb-ailing")
	ailing.HealthScore = f64(0.4)
	mustCreateDevice(t, devices, ailing)

	// No score at all stays out of the unhealthy scan.
	mustCreateDevice(t, devices, testDevice("hb-unscored"))

	low := testDevice("hb-lowbat")
	low.BatteryLevel = f64(15)
	mustCreateDevice(t, devices, low)

	full := testDevice("hb-fullbat")
	full.BatteryLevel = f64(90)
	mustCreateDevice(t, devices, full)

	unhealthy, err := devices.ListUnhealthy(ctx, 0.7)
	if err != nil {
		t.Fatalf("list unhealthy: %v", err)
	}
	if len(unhealthy) != 1 || unhealthy[0].ID != ailing.ID {
		t.Fatalf("unhealthy = %+v", unhealthy)
	}

	weak, err := devices.ListLowBattery(ctx, 20)
	if err != nil {
		t.Fatalf("list low battery: %v", err)
	}
	if len(weak) != 1 || weak[0].ID != low.ID {
		t.Fatalf("low battery = %+v", weak)
	}
}

func TestDeviceStatistics(t *testing.T) {
	devices := NewDeviceRepository(newTestManager(t))
	ctx := context.Background()

	mk := func(name string, dt models.DeviceType, st models.DeviceStatus, health *float64) {
		d := testDevice(name)
		d.DeviceType = dt
		d.Status = st
		d.HealthScore = health
		mustCreateDevice(t, devices, d)
	}
	mk("st-1", models.DeviceTypeSensor, models.DeviceStatusOnline, f64(0.8))
	mk("st-2", models.DeviceTypeGateway, models.DeviceStatusOnline, f64(0.6))
	mk("st-3", models.DeviceTypeSensor, models.DeviceStatusOffline, nil)
	mk("st-4", models.DeviceTypeCamera, models.DeviceStatusMaintenance, f64(1.0))

	stats, err := devices.Statistics(ctx)
	if err != nil {
		t.Fatalf("statistics: %v", err)
	}
	if stats.Total != 4 || stats.Online != 2 {
		t.Fatalf("total = %d online = %d", stats.Total, stats.Online)
	}
	if math.Abs(stats.OnlineRatio-0.5) > 1e-9 {
		t.Fatalf("online ratio = %f", stats.OnlineRatio)
	}
	if stats.ByStatus["online"] != 2 || stats.ByStatus["offline"] != 1 || stats.ByStatus["maintenance"] != 1 {
		t.Fatalf("by status = %v", stats.ByStatus)
	}
	if stats.ByType["sensor"] != 2 || stats.ByType["gateway"] != 1 || stats.ByType["camera"] != 1 {
		t.Fatalf("by type = %v", stats.ByType)
	}
	if stats.AvgHealthScore == nil || math.Abs(*stats.AvgHealthScore-0.8) > 1e-9 {
		t.Fatalf("avg health = %v", stats.AvgHealthScore)
	}
	if stats.MinHealthScore == nil || *stats.MinHealthScore != 0.6 {
		t.Fatalf("min health = %v", stats.MinHealthScore)
	}
	if stats.MaxHealthScore == nil || *stats.MaxHealthScore != 1.0 {
		t.Fatalf("max health = %v", stats.MaxHealthScore)
	}
	if stats.GeneratedAt.IsZero() {
		t.Fatalf("generated_at unset")
	}
}
