package schedule

import (
	"time"
)

// Record models a single tracked work entry on a member's schedule.
// Date is a local calendar date (YYYY-MM-DD); StartTime and EndTime are
// local clock times (HH:MM) and may be empty for all-day entries.
type Record struct {
	ID              string    `gorm:"column:id;primaryKey;size:190;not null"`
	MemberID        string    `gorm:"column:member_id;size:190;not null;index:idx_schedule_member_date,priority:1"`
	OrgID           string    `gorm:"column:org_id;size:190;not null"`
	ProjectID       string    `gorm:"column:project_id;size:190"`
	Date            string    `gorm:"column:date;size:10;not null;index:idx_schedule_member_date,priority:2"`
	StartTime       string    `gorm:"column:start_time;size:5"`
	EndTime         string    `gorm:"column:end_time;size:5"`
	Minutes         int       `gorm:"column:minutes;not null;default:0"`
	Description     string    `gorm:"column:description;type:text"`
	ExternalEventID string    `gorm:"column:external_event_id;size:190;index"`
	IsReadOnly      bool      `gorm:"column:is_read_only;not null;default:false"`
	CreatedAt       time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt       time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName provides the explicit table binding for GORM.
func (Record) TableName() string {
	return "schedule_records"
}

// SyncSettings carries a member's calendar sync preferences.
type SyncSettings struct {
	MemberID   string     `gorm:"column:member_id;primaryKey;size:190;not null"`
	IsEnabled  bool       `gorm:"column:is_enabled;not null;default:false"`
	CalendarID string     `gorm:"column:calendar_id;size:320"`
	LastSyncAt *time.Time `gorm:"column:last_sync_at"`
	SyncToken  string     `gorm:"column:sync_token;size:512"`
	UpdatedAt  time.Time  `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName provides the explicit table binding for GORM.
func (SyncSettings) TableName() string {
	return "calendar_sync_settings"
}

// Project is a billable project belonging to an organization.
type Project struct {
	ID        string    `gorm:"column:id;primaryKey;size:190;not null"`
	OrgID     string    `gorm:"column:org_id;size:190;not null;index"`
	Name      string    `gorm:"column:name;size:320;not null"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName provides the explicit table binding for GORM.
func (Project) TableName() string {
	return "projects"
}

// Member is a person tracked by the organization.
type Member struct {
	ID          string    `gorm:"column:id;primaryKey;size:190;not null"`
	OrgID       string    `gorm:"column:org_id;size:190;not null;index"`
	DisplayName string    `gorm:"column:display_name;size:320"`
	Email       string    `gorm:"column:email;size:320"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt   time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName provides the explicit table binding for GORM.
func (Member) TableName() string {
	return "members"
}
