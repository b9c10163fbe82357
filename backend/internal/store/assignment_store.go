package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"studioSync/backend/internal/protocol"

	mysqldriver "github.com/go-sql-driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrAssignmentNotFound = errors.New("ASSIGNMENT_NOT_FOUND")
	ErrAssignmentExists   = errors.New("ASSIGNMENT_EXISTS")
	ErrInvalidField       = errors.New("INVALID_FIELD")
)

// MySQL error numbers we translate.
const (
	erDupEntry    = 1062
	erDataTooLong = 1406
)

type AssignmentStore struct {
	db *gorm.DB
}

func NewAssignmentStore(db *gorm.DB) *AssignmentStore {
	return &AssignmentStore{db: db}
}

func (s *AssignmentStore) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(&SeatAssignment{}, &AssignmentField{})
}

// CommitField stores one field value of an assignment and returns the record day the
// assignment belongs to.
func (s *AssignmentStore) CommitField(ctx context.Context, assignmentID, field string, value json.RawMessage) (string, error) {
	if field == "" || len(field) > 64 {
		return "", fmt.Errorf("%w: %q", ErrInvalidField, field)
	}
	canon, err := protocol.Canonical(value)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidField, err)
	}

	var recordDayID string
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var a SeatAssignment
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", assignmentID).First(&a).Error; err != nil {
			return err
		}
		recordDayID = a.RecordDayID

		row := AssignmentField{
			AssignmentID: assignmentID,
			Field:        field,
			Value:        string(canon),
			UpdatedAt:    time.Now(),
		}
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "assignment_id"}, {Name: "field"}},
			DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
		}).Create(&row).Error
	})
	if err != nil {
		return "", translate(err)
	}
	return recordDayID, nil
}

// FetchCollection returns every assignment of a record day with all its fields,
// ordered by assignment id.
func (s *AssignmentStore) FetchCollection(ctx context.Context, recordDayID string) ([]protocol.Entity, error) {
	var assignments []SeatAssignment
	if err := s.db.WithContext(ctx).
		Where("record_day_id = ?", recordDayID).
		Order("id").
		Find(&assignments).Error; err != nil {
		return nil, translate(err)
	}
	entities := make([]protocol.Entity, 0, len(assignments))
	if len(assignments) == 0 {
		return entities, nil
	}

	ids := make([]string, len(assignments))
	byID := make(map[string]int, len(assignments))
	for i, a := range assignments {
		ids[i] = a.ID
		byID[a.ID] = i
		entities = append(entities, protocol.Entity{ID: a.ID, Fields: map[string]json.RawMessage{}})
	}

	var fields []AssignmentField
	if err := s.db.WithContext(ctx).Where("assignment_id IN ?", ids).Find(&fields).Error; err != nil {
		return nil, translate(err)
	}
	for _, f := range fields {
		if i, ok := byID[f.AssignmentID]; ok {
			entities[i].Fields[f.Field] = json.RawMessage(f.Value)
		}
	}
	return entities, nil
}

// AddAssignments creates empty assignments on a record day.
func (s *AssignmentStore) AddAssignments(ctx context.Context, recordDayID string, assignmentIDs []string) error {
	if len(assignmentIDs) == 0 {
		return nil
	}
	rows := make([]SeatAssignment, len(assignmentIDs))
	for i, id := range assignmentIDs {
		rows[i] = SeatAssignment{ID: id, RecordDayID: recordDayID}
	}
	if err := s.db.WithContext(ctx).Create(&rows).Error; err != nil {
		return translate(err)
	}
	return nil
}

// RemoveAssignments deletes assignments of a record day together with their fields.
// Ids that are not on that day are ignored.
func (s *AssignmentStore) RemoveAssignments(ctx context.Context, recordDayID string, assignmentIDs []string) (int64, error) {
	if len(assignmentIDs) == 0 {
		return 0, nil
	}
	var removed int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var ids []string
		if err := tx.Model(&SeatAssignment{}).
			Where("record_day_id = ? AND id IN ?", recordDayID, assignmentIDs).
			Pluck("id", &ids).Error; err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}
		if err := tx.Where("assignment_id IN ?", ids).Delete(&AssignmentField{}).Error; err != nil {
			return err
		}
		res := tx.Where("id IN ?", ids).Delete(&SeatAssignment{})
		removed = res.RowsAffected
		return res.Error
	})
	if err != nil {
		return 0, translate(err)
	}
	return removed, nil
}

func translate(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrAssignmentNotFound
	}
	var me *mysqldriver.MySQLError
	if errors.As(err, &me) {
		switch me.Number {
		case erDupEntry:
			return fmt.Errorf("%w: %s", ErrAssignmentExists, me.Message)
		case erDataTooLong:
			return fmt.Errorf("%w: %s", ErrInvalidField, me.Message)
		}
	}
	return err
}
