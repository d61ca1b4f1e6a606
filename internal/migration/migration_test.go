package migration

import (
	"io/fs"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/smallbiznis/entitlementsync/internal/entitlement/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/schema"
)

func TestEmbeddedMigrationsArePaired(t *testing.T) {
	entries, err := fs.ReadDir(embeddedMigrations, migrationsDir)
	require.NoError(t, err)

	ups := map[string]bool{}
	downs := map[string]bool{}
	for _, entry := range entries {
		name := entry.Name()
		switch {
		case strings.HasSuffix(name, ".up.sql"):
			ups[strings.TrimSuffix(name, ".up.sql")] = true
		case strings.HasSuffix(name, ".down.sql"):
			downs[strings.TrimSuffix(name, ".down.sql")] = true
		}
	}
	assert.NotEmpty(t, ups)
	assert.Equal(t, ups, downs)
}

func TestRunAutoMigratesSQLite(t *testing.T) {
	conn, err := gorm.Open(sqlite.Open("file:migration_test?mode=memory&cache=shared"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	require.NoError(t, Run(conn))
	require.NoError(t, Run(conn))

	assert.True(t, conn.Migrator().HasTable(&domain.Entitlement{}))
	assert.True(t, conn.Migrator().HasTable(&domain.SubscriptionState{}))
	assert.True(t, conn.Migrator().HasIndex(&domain.Entitlement{}, "idx_entitlements_user_product"))

	now := time.Now().UTC()
	require.NoError(t, conn.Create(&domain.SubscriptionState{UserID: "u1", Status: "active", UpdatedAt: now}).Error)
	var state domain.SubscriptionState
	require.NoError(t, conn.First(&state, "user_id = ?", "u1").Error)
	assert.Equal(t, "free", state.Tier)
}

func TestRunRequiresConnection(t *testing.T) {
	assert.Error(t, Run(nil))
	assert.Error(t, RunMigrations(nil))
}

func TestModelsUsePortableColumnTypes(t *testing.T) {
	for _, model := range []any{&domain.Entitlement{}, &domain.SubscriptionState{}} {
		parsed, err := schema.Parse(model, &sync.Map{}, schema.NamingStrategy{})
		require.NoError(t, err)

		for _, field := range parsed.Fields {
			if field.DBName == "" || field.FieldType.Kind() != reflect.String {
				continue
			}
			dataType := strings.ToLower(string(field.DataType))
			_, indexed := field.TagSettings["INDEX"]
			if field.PrimaryKey || indexed || field.HasDefaultValue {
				assert.True(t, strings.HasPrefix(dataType, "varchar("), "%s.%s is %s", parsed.Table, field.DBName, dataType)
			}
		}
	}

	parsed, err := schema.Parse(&domain.Entitlement{}, &sync.Map{}, schema.NamingStrategy{})
	require.NoError(t, err)
	raw := parsed.LookUpField("raw_response")
	require.NotNil(t, raw)
	assert.Equal(t, "json", strings.ToLower(string(raw.DataType)))
}
