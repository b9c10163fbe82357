package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"testing"

	mysqldriver "github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
)

func openTestStore(t *testing.T) *AssignmentStore {
	t.Helper()
	dsn := os.Getenv("STUDIO_SYNC_TEST_DSN")
	if dsn == "" {
		t.Skipf("skip: STUDIO_SYNC_TEST_DSN not set")
	}
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Skipf("skip: mysql not available: %v", err)
	}
	s := NewAssignmentStore(db)
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func TestTranslate(t *testing.T) {
	assert.ErrorIs(t, translate(gorm.ErrRecordNotFound), ErrAssignmentNotFound)
	assert.ErrorIs(t, translate(fmt.Errorf("wrapped: %w", &mysqldriver.MySQLError{Number: erDupEntry, Message: "dup"})), ErrAssignmentExists)
	assert.ErrorIs(t, translate(&mysqldriver.MySQLError{Number: erDataTooLong, Message: "long"}), ErrInvalidField)

	other := errors.New("boom")
	assert.Equal(t, other, translate(other))
}

func TestCommitFieldRejectsBadInput(t *testing.T) {
	s := NewAssignmentStore(nil)
	_, err := s.CommitField(context.Background(), "a", "", json.RawMessage(`1`))
	assert.ErrorIs(t, err, ErrInvalidField)
	_, err = s.CommitField(context.Background(), "a", "notes", json.RawMessage(`{bad`))
	assert.ErrorIs(t, err, ErrInvalidField)
}

func TestAssignmentStoreRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	day := "day-" + uuid.NewString()[:8]
	seat := "seat-" + uuid.NewString()[:8]
	require.NoError(t, s.AddAssignments(ctx, day, []string{seat}))

	err := s.AddAssignments(ctx, day, []string{seat})
	assert.ErrorIs(t, err, ErrAssignmentExists)

	got, err := s.CommitField(ctx, seat, "notes", json.RawMessage(`"left early"`))
	require.NoError(t, err)
	assert.Equal(t, day, got)

	// upsert
	_, err = s.CommitField(ctx, seat, "notes", json.RawMessage(` "back" `))
	require.NoError(t, err)

	entities, err := s.FetchCollection(ctx, day)
	require.NoError(t, err)
	require.Len(t, entities, 1)
	assert.Equal(t, seat, entities[0].ID)
	assert.Equal(t, json.RawMessage(`"back"`), entities[0].Fields["notes"])

	_, err = s.CommitField(ctx, "missing-"+seat, "notes", json.RawMessage(`1`))
	assert.ErrorIs(t, err, ErrAssignmentNotFound)

	n, err := s.RemoveAssignments(ctx, day, []string{seat, "not-there"})
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	entities, err = s.FetchCollection(ctx, day)
	require.NoError(t, err)
	assert.Empty(t, entities)
}
