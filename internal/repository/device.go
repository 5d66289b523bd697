package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"

	"github.com/edgefleet/edgefleet/internal/cache"
	"github.com/edgefleet/edgefleet/internal/database"
	"github.com/edgefleet/edgefleet/internal/models"
	"github.com/edgefleet/edgefleet/internal/runtimectx"
)

const (
	earthRadiusKM = 6371.0
	// kmPerDegreeLat narrows location scans to a bounding box before the
	// exact distance check.
	kmPerDegreeLat = 111.0

	deviceStatsCacheKey = "edgefleet:stats:devices"
	statsCacheTTL       = 30 * time.Second
)

// DeviceRepository adds fleet queries over the device inventory.
type DeviceRepository struct {
	*Repository[models.Device, *models.Device]
}

func NewDeviceRepository(manager *database.Manager) *DeviceRepository {
	r := &DeviceRepository{Repository: NewRepository[models.Device](manager)}
	r.RegisterRelation("parent", func(ctx context.Context, s database.Session, d *models.Device) error {
		if d.ParentID == nil {
			return nil
		}
		parent, err := fetchByID[models.Device](ctx, s, *d.ParentID)
		if err != nil {
			return err
		}
		d.Parent = parent
		return nil
	})
	r.RegisterRelation("group", func(ctx context.Context, s database.Session, d *models.Device) error {
		if d.GroupID == nil {
			return nil
		}
		group, err := fetchByID[models.DeviceGroup](ctx, s, *d.GroupID)
		if err != nil {
			return err
		}
		d.Group = group
		return nil
	})
	return r
}

// GetByName fetches a device by its exact name.
func (r *DeviceRepository) GetByName(ctx context.Context, name string) (*models.Device, error) {
	return r.getByColumn(ctx, "name", name)
}

// GetBySerialNumber fetches a device by serial number.
func (r *DeviceRepository) GetBySerialNumber(ctx context.Context, serial string) (*models.Device, error) {
	return r.getByColumn(ctx, "serial_number", serial)
}

// GetByMACAddress fetches a device by MAC, compared case-insensitively.
func (r *DeviceRepository) GetByMACAddress(ctx context.Context, mac string) (*models.Device, error) {
	s, err := r.session(ctx)
	if err != nil {
		return nil, r.wrap("get", err)
	}
	query := fmt.Sprintf(
		"SELECT %s FROM %s WHERE LOWER(mac_address) = LOWER(?) AND is_deleted = ?",
		r.stmts.selectList, r.stmts.table)
	var d models.Device
	err = s.GetContext(ctx, &d, s.Rebind(query), mac, false)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, r.wrap("get", err)
	}
	return &d, nil
}

// GetByIP fetches a device by its reported IP address.
func (r *DeviceRepository) GetByIP(ctx context.Context, ip string) (*models.Device, error) {
	return r.getByColumn(ctx, "ip_address", ip)
}

func (r *DeviceRepository) getByColumn(ctx context.Context, col, value string) (*models.Device, error) {
	s, err := r.session(ctx)
	if err != nil {
		return nil, r.wrap("get", err)
	}
	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s = ? AND is_deleted = ?", r.stmts.selectList, r.stmts.table, col)
	var d models.Device
	err = s.GetContext(ctx, &d, s.Rebind(query), value, false)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, r.wrap("get", err)
	}
	return &d, nil
}

// ListByStatus pages devices in one operational state.
func (r *DeviceRepository) ListByStatus(ctx context.Context, status models.DeviceStatus, skip, limit int) ([]*models.Device, error) {
	return r.List(ctx, ListOptions{Skip: skip, Limit: limit, Filters: Filters{"status": string(status)}})
}

// ListByType pages devices of one hardware type.
func (r *DeviceRepository) ListByType(ctx context.Context, deviceType models.DeviceType, skip, limit int) ([]*models.Device, error) {
	return r.List(ctx, ListOptions{Skip: skip, Limit: limit, Filters: Filters{"device_type": string(deviceType)}})
}

// ListOnline pages devices currently reporting.
func (r *DeviceRepository) ListOnline(ctx context.Context, skip, limit int) ([]*models.Device, error) {
	return r.ListByStatus(ctx, models.DeviceStatusOnline, skip, limit)
}

// ListOffline pages devices out of contact.
func (r *DeviceRepository) ListOffline(ctx context.Context, skip, limit int) ([]*models.Device, error) {
	return r.ListByStatus(ctx, models.DeviceStatusOffline, skip, limit)
}

// ListByGroup pages devices assigned to a group.
func (r *DeviceRepository) ListByGroup(ctx context.Context, groupID string, skip, limit int) ([]*models.Device, error) {
	return r.List(ctx, ListOptions{Skip: skip, Limit: limit, Filters: Filters{"group_id": groupID}})
}

// ListChildren returns devices whose parent is the given device.
func (r *DeviceRepository) ListChildren(ctx context.Context, parentID string) ([]*models.Device, error) {
	return r.List(ctx, ListOptions{Filters: Filters{"parent_id": parentID}, OrderBy: "name asc"})
}

// ListStale returns online devices not seen within the threshold. Devices
// that never reported count as stale.
func (r *DeviceRepository) ListStale(ctx context.Context, olderThan time.Duration) ([]*models.Device, error) {
	s, err := r.session(ctx)
	if err != nil {
		return nil, r.wrap("list", err)
	}
	cutoff := time.Now().UTC().Add(-olderThan)
	query := fmt.Sprintf(
		"SELECT %s FROM %s WHERE status = ? AND (last_seen IS NULL OR last_seen < ?) AND is_deleted = ? ORDER BY last_seen ASC",
		r.stmts.selectList, r.stmts.table)
	var list []*models.Device
	if err := s.SelectContext(ctx, &list, s.Rebind(query), models.DeviceStatusOnline, cutoff, false); err != nil {
		return nil, r.wrap("list", err)
	}
	return list, nil
}

// ListUnhealthy returns devices whose health score fell below the threshold.
func (r *DeviceRepository) ListUnhealthy(ctx context.Context, threshold float64) ([]*models.Device, error) {
	return r.List(ctx, ListOptions{
		Filters: Filters{"health_score": map[string]any{"lt": threshold}},
		OrderBy: "health_score asc",
		Limit:   defaultListLimit,
	})
}

// ListLowBattery returns battery-powered devices at or under the threshold
// percentage.
func (r *DeviceRepository) ListLowBattery(ctx context.Context, threshold float64) ([]*models.Device, error) {
	return r.List(ctx, ListOptions{
		Filters: Filters{"battery_level": map[string]any{"lte": threshold}},
		OrderBy: "battery_level asc",
		Limit:   defaultListLimit,
	})
}

// ListByLocation returns devices within radiusKM of a point, nearest first.
// A bounding box narrows the scan; the exact great-circle distance decides
// membership.
func (r *DeviceRepository) ListByLocation(ctx context.Context, lat, lon, radiusKM float64) ([]*models.Device, error) {
	if lat < -90 || lat > 90 || lon < -180 || lon > 180 || radiusKM <= 0 {
		return nil, r.wrap("list", fmt.Errorf("%w: bad coordinates or radius", ErrInvalidFilter))
	}
	s, err := r.session(ctx)
	if err != nil {
		return nil, r.wrap("list", err)
	}
	latDelta := radiusKM / kmPerDegreeLat
	lonDelta := 180.0
	if cosLat := math.Cos(lat * math.Pi / 180); cosLat > 1e-6 {
		lonDelta = radiusKM / (kmPerDegreeLat * cosLat)
	}
	query := fmt.Sprintf(
		"SELECT %s FROM %s WHERE location_lat BETWEEN ? AND ? AND location_lon BETWEEN ? AND ? AND is_deleted = ?",
		r.stmts.selectList, r.stmts.table)
	var candidates []*models.Device
	err = s.SelectContext(ctx, &candidates, s.Rebind(query),
		lat-latDelta, lat+latDelta, lon-lonDelta, lon+lonDelta, false)
	if err != nil {
		return nil, r.wrap("list", err)
	}

	type ranked struct {
		device *models.Device
		km     float64
	}
	within := make([]ranked, 0, len(candidates))
	for _, d := range candidates {
		if d.LocationLat == nil || d.LocationLon == nil {
			continue
		}
		km := haversineKM(lat, lon, *d.LocationLat, *d.LocationLon)
		if km <= radiusKM {
			within = append(within, ranked{device: d, km: km})
		}
	}
	sort.Slice(within, func(i, j int) bool { return within[i].km < within[j].km })
	out := make([]*models.Device, len(within))
	for i, w := range within {
		out[i] = w.device
	}
	return out, nil
}

// haversineKM is the great-circle distance between two points in kilometers.
func haversineKM(lat1, lon1, lat2, lon2 float64) float64 {
	const rad = math.Pi / 180
	dLat := (lat2 - lat1) * rad
	dLon := (lon2 - lon1) * rad
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*rad)*math.Cos(lat2*rad)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusKM * math.Asin(math.Sqrt(a))
}

// UpdateHeartbeat records a liveness report: both liveness timestamps move
// forward and an offline device comes back online. Reports whether the
// device exists.
func (r *DeviceRepository) UpdateHeartbeat(ctx context.Context, id string) (bool, error) {
	s, err := r.session(ctx)
	if err != nil {
		return false, r.wrap("update", err)
	}
	now := time.Now().UTC()
	query := fmt.Sprintf(
		"UPDATE %s SET last_heartbeat = ?, last_seen = ?, updated_at = ?, status = CASE WHEN status = ? THEN ? ELSE status END WHERE id = ? AND is_deleted = ?",
		r.stmts.table)
	res, err := s.ExecContext(ctx, s.Rebind(query),
		now, now, now, models.DeviceStatusOffline, models.DeviceStatusOnline, id, false)
	if err != nil {
		return false, r.wrap("update", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, r.wrap("update", err)
	}
	return n > 0, nil
}

// UpdateLastSeen bumps only the passive liveness timestamp.
func (r *DeviceRepository) UpdateLastSeen(ctx context.Context, id string) (bool, error) {
	s, err := r.session(ctx)
	if err != nil {
		return false, r.wrap("update", err)
	}
	now := time.Now().UTC()
	query := fmt.Sprintf("UPDATE %s SET last_seen = ?, updated_at = ? WHERE id = ? AND is_deleted = ?", r.stmts.table)
	res, err := s.ExecContext(ctx, s.Rebind(query), now, now, id, false)
	if err != nil {
		return false, r.wrap("update", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, r.wrap("update", err)
	}
	return n > 0, nil
}

// MarkOffline flips the given devices to offline in one statement. The
// stale-device sweep calls this after ListStale.
func (r *DeviceRepository) MarkOffline(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	s, err := r.session(ctx)
	if err != nil {
		return 0, r.wrap("update", err)
	}
	now := time.Now().UTC()
	query, args, err := sqlx.In(
		fmt.Sprintf("UPDATE %s SET status = ?, updated_at = ? WHERE id IN (?) AND is_deleted = ?", r.stmts.table),
		models.DeviceStatusOffline, now, ids, false)
	if err != nil {
		return 0, r.wrap("update", err)
	}
	res, err := s.ExecContext(ctx, s.Rebind(query), args...)
	if err != nil {
		return 0, r.wrap("update", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, r.wrap("update", err)
	}
	if n > 0 {
		log.Info().Int64("devices", n).Msg("Marked stale devices offline")
	}
	return n, nil
}

// DeviceStatistics summarizes the fleet inventory.
type DeviceStatistics struct {
	Total          int64            `json:"total"`
	ByStatus       map[string]int64 `json:"byStatus"`
	ByType         map[string]int64 `json:"byType"`
	Online         int64            `json:"online"`
	OnlineRatio    float64          `json:"onlineRatio"`
	AvgHealthScore *float64         `json:"avgHealthScore,omitempty"`
	MinHealthScore *float64         `json:"minHealthScore,omitempty"`
	MaxHealthScore *float64         `json:"maxHealthScore,omitempty"`
	GeneratedAt    time.Time        `json:"generatedAt"`
}

// Statistics aggregates fleet counts by status and type. Results are served
// from the ambient cache for a short window when one is attached.
func (r *DeviceRepository) Statistics(ctx context.Context) (*DeviceStatistics, error) {
	client, cached := runtimectx.CacheFrom(ctx)
	if cached {
		var stats DeviceStatistics
		if cache.GetJSON(ctx, client, deviceStatsCacheKey, &stats) {
			return &stats, nil
		}
	}
	s, err := r.session(ctx)
	if err != nil {
		return nil, r.wrap("statistics", err)
	}
	stats := &DeviceStatistics{
		ByStatus:    make(map[string]int64),
		ByType:      make(map[string]int64),
		GeneratedAt: time.Now().UTC(),
	}
	byStatus, err := groupCount(ctx, s, r.stmts.table, "status")
	if err != nil {
		return nil, r.wrap("statistics", err)
	}
	for k, n := range byStatus {
		stats.ByStatus[k] = n
		stats.Total += n
	}
	if stats.ByType, err = groupCount(ctx, s, r.stmts.table, "device_type"); err != nil {
		return nil, r.wrap("statistics", err)
	}
	stats.Online = stats.ByStatus[string(models.DeviceStatusOnline)]
	if stats.Total > 0 {
		stats.OnlineRatio = float64(stats.Online) / float64(stats.Total)
	}
	var health struct {
		Avg sql.NullFloat64 `db:"avg"`
		Min sql.NullFloat64 `db:"min"`
		Max sql.NullFloat64 `db:"max"`
	}
	healthQuery := fmt.Sprintf(
		"SELECT AVG(health_score) AS avg, MIN(health_score) AS min, MAX(health_score) AS max FROM %s WHERE health_score IS NOT NULL AND is_deleted = ?",
		r.stmts.table)
	if err := s.GetContext(ctx, &health, s.Rebind(healthQuery), false); err != nil {
		return nil, r.wrap("statistics", err)
	}
	if health.Avg.Valid {
		stats.AvgHealthScore = &health.Avg.Float64
	}
	if health.Min.Valid {
		stats.MinHealthScore = &health.Min.Float64
	}
	if health.Max.Valid {
		stats.MaxHealthScore = &health.Max.Float64
	}
	if cached {
		cache.SetJSON(ctx, client, deviceStatsCacheKey, stats, statsCacheTTL)
	}
	return stats, nil
}
