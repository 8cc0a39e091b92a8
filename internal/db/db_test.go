package db

import (
	"path/filepath"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
	"gorm.io/gorm/schema"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	database, err := New(Config{
		Driver:   "sqlite",
		DSN:      filepath.Join(t.TempDir(), "db_test.db"),
		Logger:   zap.NewNop(),
		LogLevel: gormlogger.Silent,
	})
	require.NoError(t, err)
	return database
}

// The embedded Base struct must contribute the primary key and timestamp
// columns to every parsed model schema.
func TestModelSchemaIncludesBaseFields(t *testing.T) {
	s, err := schema.Parse(&Organization{}, &sync.Map{}, schema.NamingStrategy{})
	require.NoError(t, err)

	require.NotNil(t, s.LookUpField("ID"), "ID missing from parsed schema")
	require.NotNil(t, s.LookUpField("CreatedAt"), "CreatedAt missing from parsed schema")
	require.NotNil(t, s.LookUpField("UpdatedAt"), "UpdatedAt missing from parsed schema")
	assert.Equal(t, "ID", s.PrioritizedPrimaryField.Name)
}

func TestCreatePopulatesBaseColumns(t *testing.T) {
	database := newTestDB(t)

	org := Organization{Name: "Springfield Food Bank", NormalizedName: "springfield food bank"}
	require.NoError(t, database.Create(&org).Error)

	assert.NotEqual(t, uuid.UUID{}, org.ID, "BeforeCreate must assign a UUID")
	assert.False(t, org.CreatedAt.IsZero())
	assert.False(t, org.UpdatedAt.IsZero())

	var loaded Organization
	require.NoError(t, database.First(&loaded, "id = ?", org.ID).Error)
	assert.Equal(t, org.ID, loaded.ID)
	assert.Equal(t, "Springfield Food Bank", loaded.Name)
	assert.WithinDuration(t, org.CreatedAt, loaded.CreatedAt, 0)
}

func TestCreateKeepsExplicitID(t *testing.T) {
	database := newTestDB(t)

	id, err := uuid.NewV7()
	require.NoError(t, err)

	loc := Location{Base: Base{ID: id}, Name: "Main Site", GeocodingStatus: GeocodingMissing}
	require.NoError(t, database.Create(&loc).Error)
	assert.Equal(t, id, loc.ID)
}
