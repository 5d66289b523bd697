package models

// DeviceGroup organizes devices into a hierarchy. Membership counters are
// maintained eagerly as devices move; a dynamic group instead derives
// membership from its stored criteria.
type DeviceGroup struct {
	Model
	Name              string  `db:"name" json:"name"`
	Description       string  `db:"description" json:"description,omitempty"`
	GroupType         string  `db:"group_type" json:"groupType,omitempty"`
	ParentID          *string `db:"parent_id" json:"parentId,omitempty"`
	OwnerID           *string `db:"owner_id" json:"ownerId,omitempty"`
	IsDynamic         bool    `db:"is_dynamic" json:"isDynamic"`
	Criteria          JSONMap `db:"criteria" json:"criteria,omitempty"`
	DeviceCount       int     `db:"device_count" json:"deviceCount"`
	ActiveDeviceCount int     `db:"active_device_count" json:"activeDeviceCount"`

	// Loaded on demand, never persisted.
	Parent *DeviceGroup `db:"-" json:"parent,omitempty"`
	Owner  *User        `db:"-" json:"owner,omitempty"`
}

func (DeviceGroup) TableName() string { return "device_groups" }

// IsRoot reports whether the group sits at the top of the hierarchy.
func (g *DeviceGroup) IsRoot() bool { return g.ParentID == nil }

// Validate checks every field constraint and reports all violations.
func (g *DeviceGroup) Validate() error {
	var errs ValidationErrors

	if g.Name == "" {
		errs.add("name", "is required")
	}
	if g.ParentID != nil && *g.ParentID == g.ID && g.ID != "" {
		errs.add("parent_id", "group cannot be its own parent")
	}
	if g.IsDynamic && len(g.Criteria) == 0 {
		errs.add("criteria", "required for dynamic groups")
	}
	if g.DeviceCount < 0 {
		errs.add("device_count", "must not be negative")
	}
	if g.ActiveDeviceCount < 0 || g.ActiveDeviceCount > g.DeviceCount {
		errs.add("active_device_count", "must be between 0 and device_count")
	}

	return errs.OrNil()
}
