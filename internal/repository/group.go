package repository

import (
	"context"
	"fmt"

	"github.com/edgefleet/edgefleet/internal/database"
	"github.com/edgefleet/edgefleet/internal/models"
)

// maxHierarchyDepth caps the parent walk so a corrupted cycle cannot spin
// forever.
const maxHierarchyDepth = 64

// GroupRepository adds hierarchy queries over device groups.
type GroupRepository struct {
	*Repository[models.DeviceGroup, *models.DeviceGroup]
}

func NewGroupRepository(manager *database.Manager) *GroupRepository {
	r := &GroupRepository{Repository: NewRepository[models.DeviceGroup](manager)}
	r.RegisterRelation("parent", func(ctx context.Context, s database.Session, g *models.DeviceGroup) error {
		if g.ParentID == nil {
			return nil
		}
		parent, err := fetchByID[models.DeviceGroup](ctx, s, *g.ParentID)
		if err != nil {
			return err
		}
		g.Parent = parent
		return nil
	})
	r.RegisterRelation("owner", func(ctx context.Context, s database.Session, g *models.DeviceGroup) error {
		if g.OwnerID == nil {
			return nil
		}
		owner, err := fetchByID[models.User](ctx, s, *g.OwnerID)
		if err != nil {
			return err
		}
		g.Owner = owner
		return nil
	})
	return r
}

// ListRoots returns top-level groups, alphabetically.
func (r *GroupRepository) ListRoots(ctx context.Context) ([]*models.DeviceGroup, error) {
	return r.List(ctx, ListOptions{Filters: Filters{"parent_id": nil}, OrderBy: "name asc"})
}

// ListChildren returns the direct children of a group, alphabetically.
func (r *GroupRepository) ListChildren(ctx context.Context, parentID string) ([]*models.DeviceGroup, error) {
	return r.List(ctx, ListOptions{Filters: Filters{"parent_id": parentID}, OrderBy: "name asc"})
}

// ListByType pages groups of one organizational type.
func (r *GroupRepository) ListByType(ctx context.Context, groupType string, skip, limit int) ([]*models.DeviceGroup, error) {
	return r.List(ctx, ListOptions{
		Skip:    skip,
		Limit:   limit,
		Filters: Filters{"group_type": groupType},
		OrderBy: "name asc",
	})
}

// ListDynamic returns groups whose membership derives from stored criteria.
func (r *GroupRepository) ListDynamic(ctx context.Context) ([]*models.DeviceGroup, error) {
	return r.List(ctx, ListOptions{Filters: Filters{"is_dynamic": true}, OrderBy: "name asc"})
}

// Hierarchy returns the chain from the root down to the given group,
// following parent links upward and reversing. A missing group returns nil;
// a broken or cyclic chain returns an error naming the offending link.
func (r *GroupRepository) Hierarchy(ctx context.Context, id string) ([]*models.DeviceGroup, error) {
	s, err := r.session(ctx)
	if err != nil {
		return nil, r.wrap("hierarchy", err)
	}
	var chain []*models.DeviceGroup
	seen := make(map[string]bool)
	currentID := id
	for depth := 0; ; depth++ {
		if depth >= maxHierarchyDepth || seen[currentID] {
			return nil, r.wrap("hierarchy", fmt.Errorf("cycle detected at group %s", currentID))
		}
		seen[currentID] = true
		group, err := fetchByID[models.DeviceGroup](ctx, s, currentID)
		if err != nil {
			return nil, r.wrap("hierarchy", err)
		}
		if group == nil {
			if len(chain) == 0 {
				return nil, nil
			}
			return nil, r.wrap("hierarchy", fmt.Errorf("parent %s of group %s does not exist", currentID, chain[len(chain)-1].ID))
		}
		chain = append(chain, group)
		if group.ParentID == nil {
			break
		}
		currentID = *group.ParentID
	}
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain, nil
}

// IncrementCounts applies deltas to a group's eager membership counters,
// clamped so 0 <= active_device_count <= device_count always holds. Device
// assignment flows call this inside their transaction. Returns the updated
// group, nil when missing.
func (r *GroupRepository) IncrementCounts(ctx context.Context, id string, deviceDelta, activeDelta int) (*models.DeviceGroup, error) {
	group, err := r.Get(ctx, id, false)
	if err != nil || group == nil {
		return nil, err
	}
	total := group.DeviceCount + deviceDelta
	if total < 0 {
		total = 0
	}
	active := group.ActiveDeviceCount + activeDelta
	if active < 0 {
		active = 0
	}
	if active > total {
		active = total
	}
	return r.Update(ctx, id, map[string]any{
		"device_count":        total,
		"active_device_count": active,
	})
}

// RecountGroup recomputes a group's counters from the device inventory,
// repairing any drift the eager deltas accumulated. Returns the updated
// group, nil when missing.
func (r *GroupRepository) RecountGroup(ctx context.Context, id string) (*models.DeviceGroup, error) {
	s, err := r.session(ctx)
	if err != nil {
		return nil, r.wrap("recount", err)
	}
	var counts struct {
		Total  int `db:"total"`
		Active int `db:"active"`
	}
	query := `SELECT COUNT(*) AS total,
		COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS active
		FROM devices WHERE group_id = ? AND is_deleted = ?`
	if err := s.GetContext(ctx, &counts, s.Rebind(query), models.DeviceStatusOnline, id, false); err != nil {
		return nil, r.wrap("recount", err)
	}
	return r.Update(ctx, id, map[string]any{
		"device_count":        counts.Total,
		"active_device_count": counts.Active,
	})
}
