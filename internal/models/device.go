package models

import (
	"net"
	"time"
)

// DeviceType classifies the hardware role of a fleet device.
type DeviceType string

const (
	DeviceTypeSensor      DeviceType = "sensor"
	DeviceTypeGateway     DeviceType = "gateway"
	DeviceTypeController  DeviceType = "controller"
	DeviceTypeCamera      DeviceType = "camera"
	DeviceTypeRouter      DeviceType = "router"
	DeviceTypeSwitch      DeviceType = "switch"
	DeviceTypeAccessPoint DeviceType = "access_point"
	DeviceTypeActuator    DeviceType = "actuator"
	DeviceTypeDisplay     DeviceType = "display"
	DeviceTypeUnknown     DeviceType = "unknown"
)

// DeviceStatus is the operational state reported for a device.
type DeviceStatus string

const (
	DeviceStatusOnline         DeviceStatus = "online"
	DeviceStatusOffline        DeviceStatus = "offline"
	DeviceStatusMaintenance    DeviceStatus = "maintenance"
	DeviceStatusError          DeviceStatus = "error"
	DeviceStatusProvisioning   DeviceStatus = "provisioning"
	DeviceStatusDecommissioned DeviceStatus = "decommissioned"
	DeviceStatusUnknown        DeviceStatus = "unknown"
)

// healthyScoreFloor is the minimum health score for a device to count as
// healthy when a score is present.
const healthyScoreFloor = 0.7

// Device is a managed edge device: identity, network coordinates,
// geolocation, and liveness/health readings.
type Device struct {
	Model
	Name            string       `db:"name" json:"name"`
	DeviceType      DeviceType   `db:"device_type" json:"deviceType"`
	Status          DeviceStatus `db:"status" json:"status"`
	IPAddress       string       `db:"ip_address" json:"ipAddress,omitempty"`
	MACAddress      string       `db:"mac_address" json:"macAddress,omitempty"`
	Port            *int         `db:"port" json:"port,omitempty"`
	Manufacturer    string       `db:"manufacturer" json:"manufacturer,omitempty"`
	ModelName       string       `db:"model" json:"model,omitempty"`
	SerialNumber    string       `db:"serial_number" json:"serialNumber,omitempty"`
	FirmwareVersion string       `db:"firmware_version" json:"firmwareVersion,omitempty"`
	LocationLat     *float64     `db:"location_lat" json:"locationLat,omitempty"`
	LocationLon     *float64     `db:"location_lon" json:"locationLon,omitempty"`
	LocationAlt     *float64     `db:"location_alt" json:"locationAlt,omitempty"`
	LastSeen        *time.Time   `db:"last_seen" json:"lastSeen,omitempty"`
	LastHeartbeat   *time.Time   `db:"last_heartbeat" json:"lastHeartbeat,omitempty"`
	UptimeSeconds   *int64       `db:"uptime_seconds" json:"uptimeSeconds,omitempty"`
	HealthScore     *float64     `db:"health_score" json:"healthScore,omitempty"`
	BatteryLevel    *float64     `db:"battery_level" json:"batteryLevel,omitempty"`
	SignalStrength  *float64     `db:"signal_strength_dbm" json:"signalStrengthDbm,omitempty"`
	ParentID        *string      `db:"parent_id" json:"parentId,omitempty"`
	GroupID         *string      `db:"group_id" json:"groupId,omitempty"`

	// Loaded on demand, never persisted.
	Parent *Device      `db:"-" json:"parent,omitempty"`
	Group  *DeviceGroup `db:"-" json:"group,omitempty"`
}

func (Device) TableName() string { return "devices" }

// IsOnline reports whether the device is currently reachable.
func (d *Device) IsOnline() bool {
	return d.Status == DeviceStatusOnline
}

// IsHealthy reports whether the device is in an operable state. A missing
// health score counts as healthy; a present score must clear the floor.
func (d *Device) IsHealthy() bool {
	if d.Status != DeviceStatusOnline && d.Status != DeviceStatusMaintenance {
		return false
	}
	return d.HealthScore == nil || *d.HealthScore >= healthyScoreFloor
}

// Validate checks every field constraint and reports all violations.
func (d *Device) Validate() error {
	var errs ValidationErrors

	if d.Name == "" {
		errs.add("name", "is required")
	}
	if !validEnum(d.DeviceType,
		DeviceTypeSensor, DeviceTypeGateway, DeviceTypeController, DeviceTypeCamera,
		DeviceTypeRouter, DeviceTypeSwitch, DeviceTypeAccessPoint, DeviceTypeActuator,
		DeviceTypeDisplay, DeviceTypeUnknown) {
		errs.add("device_type", "must be one of: %s", enumList(
			DeviceTypeSensor, DeviceTypeGateway, DeviceTypeController, DeviceTypeCamera,
			DeviceTypeRouter, DeviceTypeSwitch, DeviceTypeAccessPoint, DeviceTypeActuator,
			DeviceTypeDisplay, DeviceTypeUnknown))
	}
	if !validEnum(d.Status,
		DeviceStatusOnline, DeviceStatusOffline, DeviceStatusMaintenance, DeviceStatusError,
		DeviceStatusProvisioning, DeviceStatusDecommissioned, DeviceStatusUnknown) {
		errs.add("status", "must be one of: %s", enumList(
			DeviceStatusOnline, DeviceStatusOffline, DeviceStatusMaintenance, DeviceStatusError,
			DeviceStatusProvisioning, DeviceStatusDecommissioned, DeviceStatusUnknown))
	}
	if d.IPAddress != "" && net.ParseIP(d.IPAddress) == nil {
		errs.add("ip_address", "is not a valid IP address")
	}
	if d.MACAddress != "" {
		if _, err := net.ParseMAC(d.MACAddress); err != nil {
			errs.add("mac_address", "is not a valid MAC address")
		}
	}
	if d.Port != nil && (*d.Port < 1 || *d.Port > 65535) {
		errs.add("port", "must be between 1 and 65535")
	}
	if d.LocationLat != nil && !inRange(*d.LocationLat, -90, 90) {
		errs.add("location_lat", "must be between -90 and 90")
	}
	if d.LocationLon != nil && !inRange(*d.LocationLon, -180, 180) {
		errs.add("location_lon", "must be between -180 and 180")
	}
	if d.UptimeSeconds != nil && *d.UptimeSeconds < 0 {
		errs.add("uptime_seconds", "must not be negative")
	}
	if d.HealthScore != nil && !inRange(*d.HealthScore, 0, 1) {
		errs.add("health_score", "must be between 0 and 1")
	}
	if d.BatteryLevel != nil && !inRange(*d.BatteryLevel, 0, 100) {
		errs.add("battery_level", "must be between 0 and 100")
	}

	return errs.OrNil()
}
