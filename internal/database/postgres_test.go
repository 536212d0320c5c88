package database

import (
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-grading-engine/internal/models"
)

type capturedLog struct {
	mu    sync.Mutex
	lines []string
}

func (c *capturedLog) Printf(format string, args ...interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lines = append(c.lines, fmt.Sprintf(format, args...))
}

func (c *capturedLog) joined() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return strings.Join(c.lines, "\n")
}

func TestConfigSkipsRecordNotFound(t *testing.T) {
	captured := &capturedLog{}
	db, err := gorm.Open(sqlite.Open("file:gorm_logger?mode=memory&cache=shared"), configWithWriter(captured))
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, Migrate(db))

	var submission models.Submission
	err = db.First(&submission, 9999).Error
	require.ErrorIs(t, err, gorm.ErrRecordNotFound)
	require.Empty(t, captured.joined())

	require.Error(t, db.Exec("SELECT * FROM missing_table").Error)
	require.Contains(t, captured.joined(), "missing_table")
}
