// Package domain defines the persistence models for sites (tenants), defect
// records, processed inbound events, and queued tasks. These types are mapped
// with GORM and shared across the repository, queue, and service layers.
package domain

import (
	"strings"
	"time"
)

// Defect statuses. Values are stored verbatim and shown to users.
const (
	StatusOpen       = "פתוח"
	StatusInProgress = "בעבודה"
	StatusClosed     = "סגור"
)

// ValidStatus reports whether s is one of the defect status values.
func ValidStatus(s string) bool {
	switch s {
	case StatusOpen, StatusInProgress, StatusClosed:
		return true
	}
	return false
}

// SiteStatus is the tenant gate derived from Site.TrainingPhase.
type SiteStatus string

const (
	SiteActive     SiteStatus = "active"
	SiteInTraining SiteStatus = "in_training"
	SiteDisabled   SiteStatus = "disabled"
)

// SiteContext is the tenant's domain vocabulary: the named value lists that
// constrained tool arguments are validated against.
type SiteContext struct {
	Locations []string `json:"locations"`
	Suppliers []string `json:"suppliers"`
}

// Site is one tenant: a construction site bound to one chat group.
//
// Fields:
//   - GroupID: external tenant key (chat group id); unique and immutable.
//   - TrainingPhase: admin-managed lifecycle label, see Status().
//   - Context: vocabulary lists stored as JSON.
//
// Sites are written by an external admin process; this service only reads them.
type Site struct {
	ID            uint        `json:"id"             gorm:"primaryKey"`
	GroupID       string      `json:"group_id"       gorm:"size:128;not null;uniqueIndex:ux_sites_group"`
	Name          string      `json:"name"           gorm:"size:255"`
	TrainingPhase string      `json:"training_phase" gorm:"size:64"`
	Context       SiteContext `json:"context"        gorm:"serializer:json;type:text"`
	LogoURL       string      `json:"logo_url"       gorm:"type:text"`
	CreatedAt     time.Time   `json:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at"`
}

// TableName returns the database table name for Site.
func (Site) TableName() string { return "sites" }

// Status maps the free-form training phase onto the tenant gate.
// Empty or "active" means active, "training" means in-training, and
// everything else (including "Disabled") is treated as disabled.
func (s Site) Status() SiteStatus {
	switch strings.ToLower(strings.TrimSpace(s.TrainingPhase)) {
	case "", "active", "live":
		return SiteActive
	case "training", "in_training", "in-training":
		return SiteInTraining
	default:
		return SiteDisabled
	}
}

// Accepting reports whether events for this site should be processed.
func (s Site) Accepting() bool {
	st := s.Status()
	return st == SiteActive || st == SiteInTraining
}

// Defect is a record created and mutated only through tools.
// (SiteID, Seq) is unique; Seq is allocated per site starting at 1 and is
// never reused. Defects are never hard-deleted; closure is a status change.
// SourceKey names the tool call that created the row, so a redelivered
// event finds its defect instead of creating another; it is nil for rows
// created outside a tool call.
type Defect struct {
	ID          uint      `json:"-"           gorm:"primaryKey"`
	SiteID      uint      `json:"site_id"     gorm:"not null;uniqueIndex:ux_defects_site_seq,priority:1;uniqueIndex:ux_defects_site_source,priority:1"`
	Seq         int       `json:"defect_id"   gorm:"not null;uniqueIndex:ux_defects_site_seq,priority:2"`
	SourceKey   *string   `json:"-"           gorm:"size:255;uniqueIndex:ux_defects_site_source,priority:2"`
	Description string    `json:"description" gorm:"type:text;not null"`
	Reporter    string    `json:"reporter"    gorm:"size:128"`
	Supplier    string    `json:"supplier"    gorm:"size:255"`
	Location    string    `json:"location"    gorm:"size:255"`
	ImageURL    string    `json:"image_url"   gorm:"type:text"`
	Status      string    `json:"status"      gorm:"size:32;not null;default:'פתוח'"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`

	Site Site `json:"-" gorm:"foreignKey:SiteID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:RESTRICT"`
}

// TableName returns the database table name for Defect.
func (Defect) TableName() string { return "defects" }
