package models

import (
	"errors"
	"testing"
	"time"
)

func TestStampNewFillsIdentity(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	d := &Device{Name: "gw-01", DeviceType: DeviceTypeGateway, Status: DeviceStatusOnline}
	d.StampNew(now)

	if d.ID == "" {
		t.Error("expected generated ID")
	}
	if !d.CreatedAt.Equal(now) || !d.UpdatedAt.Equal(now) {
		t.Errorf("timestamps = %v / %v, want %v", d.CreatedAt, d.UpdatedAt, now)
	}

	keep := &Device{Name: "gw-02", DeviceType: DeviceTypeGateway, Status: DeviceStatusOnline}
	keep.ID = "explicit-id"
	keep.StampNew(now)
	if keep.ID != "explicit-id" {
		t.Errorf("StampNew overwrote explicit ID: %s", keep.ID)
	}
}

func TestMarkDeleted(t *testing.T) {
	now := time.Now()
	d := &Device{}
	d.MarkDeleted(now)
	if !d.IsDeleted || d.DeletedAt == nil {
		t.Error("expected soft-delete pair to be set")
	}
}

func TestJSONMapRoundTrip(t *testing.T) {
	m := JSONMap{"site": "plant-7", "rack": float64(12)}
	v, err := m.Value()
	if err != nil {
		t.Fatalf("value: %v", err)
	}

	var back JSONMap
	if err := back.Scan(v); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if back["site"] != "plant-7" || back["rack"] != float64(12) {
		t.Errorf("round trip mismatch: %#v", back)
	}

	var empty JSONMap
	v, err = empty.Value()
	if err != nil || v != nil {
		t.Errorf("empty map should store NULL, got %v (%v)", v, err)
	}
	if err := back.Scan(nil); err != nil || back != nil {
		t.Errorf("scanning NULL should clear the map, got %#v (%v)", back, err)
	}
}

func TestStringListRoundTrip(t *testing.T) {
	l := StringList{"status", "health_score"}
	v, err := l.Value()
	if err != nil {
		t.Fatalf("value: %v", err)
	}
	var back StringList
	if err := back.Scan(v); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(back) != 2 || back[0] != "status" || back[1] != "health_score" {
		t.Errorf("round trip mismatch: %#v", back)
	}
}

func TestDeviceValidateCollectsAllViolations(t *testing.T) {
	lat, lon := 123.0, -200.0
	health := 1.5
	port := 0
	d := &Device{
		DeviceType:  DeviceType("drone"),
		Status:      DeviceStatusOnline,
		IPAddress:   "not-an-ip",
		Port:        &port,
		LocationLat: &lat,
		LocationLon: &lon,
		HealthScore: &health,
	}

	err := d.Validate()
	if err == nil {
		t.Fatal("expected validation failure")
	}
	var errs ValidationErrors
	if !errors.As(err, &errs) {
		t.Fatalf("expected ValidationErrors, got %T", err)
	}

	fields := map[string]bool{}
	for _, ve := range errs {
		fields[ve.Field] = true
	}
	for _, want := range []string{"name", "device_type", "ip_address", "port", "location_lat", "location_lon", "health_score"} {
		if !fields[want] {
			t.Errorf("missing violation for %s (got %v)", want, fields)
		}
	}
}

func TestDeviceHealthDerivation(t *testing.T) {
	score := 0.9
	d := &Device{Status: DeviceStatusOnline, HealthScore: &score}
	if !d.IsOnline() || !d.IsHealthy() {
		t.Error("online device with 0.9 score should be healthy")
	}

	score = 0.5
	if d.IsHealthy() {
		t.Error("score below floor should not be healthy")
	}

	d = &Device{Status: DeviceStatusMaintenance}
	if !d.IsHealthy() {
		t.Error("maintenance device with no score should be healthy")
	}
	if d.IsOnline() {
		t.Error("maintenance device is not online")
	}

	d = &Device{Status: DeviceStatusError}
	if d.IsHealthy() {
		t.Error("errored device is never healthy")
	}
}

func TestUserPasswordRoundTrip(t *testing.T) {
	u := &User{Username: "ops", Email: "ops@example.com", Role: RoleOperator, Status: UserStatusActive}
	if err := u.SetPassword("hunter2hunter2", 100000); err != nil {
		t.Fatalf("set password: %v", err)
	}
	if u.PasswordHash == "" || u.PasswordSalt == "" {
		t.Fatal("expected hash and salt to be stored")
	}
	if u.PasswordHash == "hunter2hunter2" {
		t.Fatal("password stored in the clear")
	}

	if !u.CheckPassword("hunter2hunter2") {
		t.Error("correct password rejected")
	}
	if u.CheckPassword("wrong") {
		t.Error("wrong password accepted")
	}
}

func TestUserPasswordIterationFloor(t *testing.T) {
	u := &User{}
	if err := u.SetPassword("pw", 10); err != nil {
		t.Fatalf("set password: %v", err)
	}
	iterations, _, ok := parsePasswordHash(u.PasswordHash)
	if !ok {
		t.Fatal("stored hash unparsable")
	}
	if iterations < MinKDFIterations {
		t.Errorf("iterations = %d, want at least %d", iterations, MinKDFIterations)
	}
}

func TestUserLockout(t *testing.T) {
	now := time.Now()
	until := now.Add(15 * time.Minute)
	u := &User{Status: UserStatusActive, LockedUntil: &until}
	if !u.IsLockedOut(now) {
		t.Error("user with future locked_until should be locked out")
	}
	if u.IsLockedOut(until.Add(time.Second)) {
		t.Error("expired lockout should clear")
	}

	u = &User{Status: UserStatusLocked}
	if !u.IsLockedOut(now) {
		t.Error("administratively locked user should be locked out")
	}
}

func TestAlertLifecycle(t *testing.T) {
	now := time.Now().UTC()
	a := &Alert{
		Title:           "CPU hot",
		AlertType:       "threshold",
		Severity:        SeverityHigh,
		Status:          AlertStatusOpen,
		FirstOccurredAt: now,
		LastOccurredAt:  now,
		OccurrenceCount: 1,
	}
	if err := a.Validate(); err != nil {
		t.Fatalf("valid alert rejected: %v", err)
	}
	if !a.IsOpen() {
		t.Error("new alert should be open")
	}

	a.Acknowledge("user-1", now)
	if a.Status != AlertStatusAcknowledged || !a.IsOpen() {
		t.Error("acknowledged alert should remain open")
	}

	a.Resolve("user-1", "restarted fan", "restart", now)
	if a.IsOpen() {
		t.Error("resolved alert should not be open")
	}
	if a.ResolvedBy == nil || *a.ResolvedBy != "user-1" {
		t.Error("resolver not recorded")
	}
}

func TestAuditLogSecurityClassification(t *testing.T) {
	l := &AuditLog{Action: ActionLogin}
	if !l.IsSecurityEvent() {
		t.Error("login should be a security event")
	}
	l.Action = ActionUpdate
	if l.IsSecurityEvent() {
		t.Error("update is not a security event")
	}
}

func TestGroupCounterInvariant(t *testing.T) {
	g := &DeviceGroup{Name: "floor-2", DeviceCount: 3, ActiveDeviceCount: 5}
	err := g.Validate()
	if err == nil {
		t.Fatal("active count above device count must fail validation")
	}

	g.ActiveDeviceCount = 2
	if err := g.Validate(); err != nil {
		t.Fatalf("valid group rejected: %v", err)
	}

	g.IsDynamic = true
	if err := g.Validate(); err == nil {
		t.Error("dynamic group without criteria must fail validation")
	}
}

func TestTelemetryValidateBounds(t *testing.T) {
	q := 1.2
	e := &TelemetryEvent{
		DeviceID:   "dev-1",
		EventType:  EventTypeSensorData,
		EventName:  "temperature",
		OccurredAt: time.Now(),
		Quality:    &q,
	}
	if err := e.Validate(); err == nil {
		t.Fatal("quality above 1 must fail validation")
	}

	q = 0.98
	if err := e.Validate(); err != nil {
		t.Fatalf("valid event rejected: %v", err)
	}
}
