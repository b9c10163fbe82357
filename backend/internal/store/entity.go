package store

import "time"

// SeatAssignment is one contestant's seat on a record day.
type SeatAssignment struct {
	ID          string `gorm:"primaryKey;type:varchar(64)"`
	RecordDayID string `gorm:"index;type:varchar(64);not null"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (SeatAssignment) TableName() string { return "seat_assignments" }

// AssignmentField holds one booking field of an assignment as a JSON value.
type AssignmentField struct {
	AssignmentID string `gorm:"primaryKey;type:varchar(64)"`
	Field        string `gorm:"primaryKey;type:varchar(64)"`
	Value        string `gorm:"type:text;not null"`
	UpdatedAt    time.Time
}

func (AssignmentField) TableName() string { return "assignment_fields" }
