// Package retention sweeps aged rows out of the persistent store: policies
// name a retention window per data type, expired rows are archived
// (write-then-verify) and then hard-deleted, and a scheduler runs due
// policies on an interval.
package retention

import (
	"fmt"
	"strings"
	"time"

	"github.com/edgefleet/edgefleet/internal/config"
)

// Type names a retention window.
type Type string

const (
	TypeImmediate  Type = "immediate"   // 0 days: rows expire as soon as a sweep sees them
	TypeShortTerm  Type = "short_term"  // 30 days
	TypeMediumTerm Type = "medium_term" // 90 days
	TypeLongTerm   Type = "long_term"   // 365 days
	TypePermanent  Type = "permanent"   // never expires; sweeps skip
	TypeCompliance Type = "compliance"  // 2555 days (7 years)
	TypeCustom     Type = "custom"      // window from CustomDays
)

var retentionDays = map[Type]int{
	TypeImmediate:  0,
	TypeShortTerm:  30,
	TypeMediumTerm: 90,
	TypeLongTerm:   365,
	TypePermanent:  -1,
	TypeCompliance: 2555,
}

// Format names an archive encoding. The gz variants gzip the same payload.
type Format string

const (
	FormatJSON   Format = "json"
	FormatJSONGz Format = "json.gz"
	FormatCSV    Format = "csv"
	FormatCSVGz  Format = "csv.gz"

	// FormatParquet is declared for configuration compatibility but rejected
	// at validation: no parquet writer is wired in.
	FormatParquet Format = "parquet"
)

// Extension is the filename suffix for the format.
func (f Format) Extension() string { return string(f) }

func (f Format) compressed() bool {
	return f == FormatJSONGz || f == FormatCSVGz
}

// withCompression upgrades a plain format to its gzip sibling.
func (f Format) withCompression() Format {
	switch f {
	case FormatJSON:
		return FormatJSONGz
	case FormatCSV:
		return FormatCSVGz
	default:
		return f
	}
}

// Policy is one validated retention rule. A policy may cover several data
// types; Apply runs it against one data type at a time.
type Policy struct {
	Name               string
	DataTypes          []string
	Type               Type
	CustomDays         int
	ArchiveEnabled     bool
	Format             Format
	EncryptionRequired bool
	ScheduleEnabled    bool
	ScheduleInterval   time.Duration
}

// FromConfig builds a Policy from its file-side shape. compression_enabled
// folds into the format so the rest of the engine deals with one field.
func FromConfig(pc config.RetentionPolicyConfig) (Policy, error) {
	p := Policy{
		Name:               pc.Name,
		DataTypes:          append([]string(nil), pc.DataTypes...),
		Type:               Type(strings.ToLower(strings.TrimSpace(pc.RetentionType))),
		CustomDays:         pc.CustomDays,
		ArchiveEnabled:     pc.ArchiveEnabled,
		Format:             Format(strings.ToLower(strings.TrimSpace(pc.ArchiveFormat))),
		EncryptionRequired: pc.EncryptionRequired,
		ScheduleEnabled:    pc.ScheduleEnabled,
		ScheduleInterval:   time.Duration(pc.ScheduleIntervalHours * float64(time.Hour)),
	}
	if p.Format == "" {
		p.Format = FormatJSON
	}
	if pc.CompressionEnabled {
		p.Format = p.Format.withCompression()
	}
	if err := p.Validate(); err != nil {
		return Policy{}, err
	}
	return p, nil
}

// Validate rejects malformed policies before they can reach a sweep.
func (p Policy) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("retention policy has no name")
	}
	if len(p.DataTypes) == 0 {
		return fmt.Errorf("policy %s names no data types", p.Name)
	}
	if _, ok := retentionDays[p.Type]; !ok && p.Type != TypeCustom {
		return fmt.Errorf("policy %s: unknown retention type %q", p.Name, p.Type)
	}
	if p.Type == TypeCustom && p.CustomDays <= 0 {
		return fmt.Errorf("policy %s: custom retention needs custom_days > 0", p.Name)
	}
	switch p.Format {
	case FormatJSON, FormatJSONGz, FormatCSV, FormatCSVGz:
	case "":
		if p.ArchiveEnabled {
			return fmt.Errorf("policy %s: archive enabled without a format", p.Name)
		}
	case FormatParquet:
		return fmt.Errorf("policy %s: parquet archives are not supported", p.Name)
	default:
		return fmt.Errorf("policy %s: unknown archive format %q", p.Name, p.Format)
	}
	return nil
}

// RetentionDays is the policy's window in days; -1 means rows never expire.
func (p Policy) RetentionDays() int {
	if p.Type == TypeCustom {
		return p.CustomDays
	}
	return retentionDays[p.Type]
}

// Permanent reports whether sweeps must leave this policy's rows alone.
func (p Policy) Permanent() bool { return p.Type == TypePermanent }

// Covers reports whether the policy applies to the data type.
func (p Policy) Covers(dataType string) bool {
	for _, dt := range p.DataTypes {
		if dt == dataType {
			return true
		}
	}
	return false
}
