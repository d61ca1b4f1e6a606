package repository

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/entitlementsync/internal/entitlement/domain"
	"github.com/smallbiznis/entitlementsync/internal/entitlement/entitlementtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

func newRow(node *snowflake.Node, userID, productID string, active bool, at time.Time) *domain.Entitlement {
	return &domain.Entitlement{
		ID:            node.Generate(),
		UserID:        userID,
		ProductID:     productID,
		Platform:      domain.PlatformPaystack,
		PurchaseToken: "ref_1",
		IsActive:      active,
		RawResponse:   datatypes.JSON(`{"reference":"ref_1"}`),
		CreatedAt:     at,
		UpdatedAt:     at,
	}
}

func TestUpsertEntitlementIsIdempotent(t *testing.T) {
	db := entitlementtest.OpenDB(t)
	repo := Provide()
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, repo.UpsertEntitlement(ctx, db, newRow(node, "u1", "p1", true, now)))
	require.NoError(t, repo.UpsertEntitlement(ctx, db, newRow(node, "u1", "p1", true, now)))
	assert.Equal(t, int64(1), entitlementtest.Count(t, db, "entitlements", "user_id = ? AND product_id = ?", "u1", "p1"))

	expires := now.Add(30 * 24 * time.Hour)
	renewed := newRow(node, "u1", "p1", false, now.Add(time.Hour))
	renewed.ExpiresAt = &expires
	renewed.PurchaseToken = "ref_2"
	require.NoError(t, repo.UpsertEntitlement(ctx, db, renewed))

	var stored domain.Entitlement
	require.NoError(t, db.Where("user_id = ? AND product_id = ?", "u1", "p1").First(&stored).Error)
	assert.False(t, stored.IsActive)
	assert.Equal(t, "ref_2", stored.PurchaseToken)
	require.NotNil(t, stored.ExpiresAt)
	assert.True(t, expires.Equal(*stored.ExpiresAt))
	assert.Equal(t, int64(1), entitlementtest.Count(t, db, "entitlements", ""))

	require.NoError(t, repo.UpsertEntitlement(ctx, db, newRow(node, "u1", "p2", true, now)))
	assert.Equal(t, int64(2), entitlementtest.Count(t, db, "entitlements", ""))
}

func TestInsertEntitlementDuplicatesOnReplay(t *testing.T) {
	db := entitlementtest.OpenDB(t)
	repo := Provide()
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, repo.InsertEntitlement(ctx, db, newRow(node, "u1", "lifetime", true, now)))
	require.NoError(t, repo.InsertEntitlement(ctx, db, newRow(node, "u1", "lifetime", true, now)))
	assert.Equal(t, int64(2), entitlementtest.Count(t, db, "entitlements", "user_id = ?", "u1"))

	// Upsert on a duplicated key touches every matching row.
	require.NoError(t, repo.UpsertEntitlement(ctx, db, newRow(node, "u1", "lifetime", false, now)))
	assert.Equal(t, int64(2), entitlementtest.Count(t, db, "entitlements", "is_active = ?", false))
}

func TestDeactivateEntitlement(t *testing.T) {
	db := entitlementtest.OpenDB(t)
	repo := Provide()
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, repo.UpsertEntitlement(ctx, db, newRow(node, "u1", "p1", true, now)))

	affected, err := repo.DeactivateEntitlement(ctx, db, "u1", "p1", []byte(`{"status":"cancelled"}`), now.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), affected)

	var stored domain.Entitlement
	require.NoError(t, db.Where("user_id = ?", "u1").First(&stored).Error)
	assert.False(t, stored.IsActive)
	assert.JSONEq(t, `{"status":"cancelled"}`, string(stored.RawResponse))
	assert.Equal(t, int64(1), entitlementtest.Count(t, db, "entitlements", ""))

	affected, err = repo.DeactivateEntitlement(ctx, db, "u404", "p1", []byte(`{}`), now)
	require.NoError(t, err)
	assert.Equal(t, int64(0), affected)
	assert.Equal(t, int64(1), entitlementtest.Count(t, db, "entitlements", ""))
}

func strPtr(v string) *string { return &v }

func TestUpsertSubscriptionStatePartialUpdate(t *testing.T) {
	db := entitlementtest.OpenDB(t)
	repo := Provide()
	ctx := context.Background()
	now := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	expires := now.Add(365 * 24 * time.Hour)

	require.NoError(t, repo.UpsertSubscriptionState(ctx, db, domain.SubscriptionStateUpdate{
		UserID:          "u1",
		Tier:            strPtr("premium"),
		Status:          "active",
		ExpiresAt:       &expires,
		BillingCycle:    strPtr("yearly"),
		TransactionID:   strPtr("txn_1"),
		PaymentProvider: domain.PlatformRevenueCat,
	}, now))

	require.NoError(t, repo.UpsertSubscriptionState(ctx, db, domain.SubscriptionStateUpdate{
		UserID:          "u1",
		Status:          "cancelled",
		PaymentProvider: domain.PlatformRevenueCat,
	}, now.Add(time.Hour)))

	var stored domain.SubscriptionState
	require.NoError(t, db.Where("user_id = ?", "u1").First(&stored).Error)
	assert.Equal(t, "premium", stored.Tier)
	assert.Equal(t, "cancelled", stored.Status)
	require.NotNil(t, stored.ExpiresAt)
	assert.True(t, expires.Equal(*stored.ExpiresAt))
	require.NotNil(t, stored.BillingCycle)
	assert.Equal(t, "yearly", *stored.BillingCycle)
	require.NotNil(t, stored.TransactionID)
	assert.Equal(t, "txn_1", *stored.TransactionID)
	assert.True(t, now.Add(time.Hour).Equal(stored.UpdatedAt))
	assert.Equal(t, int64(1), entitlementtest.Count(t, db, "subscriptions", ""))
}

func TestUpsertSubscriptionStateCreatesWithDefaults(t *testing.T) {
	db := entitlementtest.OpenDB(t)
	repo := Provide()
	ctx := context.Background()

	require.NoError(t, repo.UpsertSubscriptionState(ctx, db, domain.SubscriptionStateUpdate{
		UserID:          "u2",
		Status:          "cancelled",
		PaymentProvider: domain.PlatformRevenueCat,
	}, time.Now().UTC()))

	var stored domain.SubscriptionState
	require.NoError(t, db.Where("user_id = ?", "u2").First(&stored).Error)
	assert.Equal(t, "free", stored.Tier)
	assert.Equal(t, "cancelled", stored.Status)
	assert.Equal(t, "revenuecat", stored.PaymentProvider)
	assert.Nil(t, stored.ExpiresAt)
}

func TestSubscriptionColumns(t *testing.T) {
	assert.Equal(t, []string{"status", "payment_provider", "updated_at"}, subscriptionColumns(domain.SubscriptionStateUpdate{}))
	assert.Equal(t,
		[]string{"status", "payment_provider", "updated_at", "tier", "billing_cycle"},
		subscriptionColumns(domain.SubscriptionStateUpdate{Tier: strPtr("free"), BillingCycle: strPtr("monthly")}),
	)
}

type namedDialector struct {
	gorm.Dialector
	name string
}

func (d namedDialector) Name() string { return d.name }

func TestLockCompositeOnPostgresOnly(t *testing.T) {
	db := entitlementtest.OpenDB(t)

	var statements []string
	var vars []any
	require.NoError(t, db.Callback().Raw().Before("gorm:raw").Register("test:capture", func(tx *gorm.DB) {
		statements = append(statements, tx.Statement.SQL.String())
		vars = append(vars, tx.Statement.Vars...)
	}))

	dry := db.Session(&gorm.Session{DryRun: true})
	require.NoError(t, lockComposite(dry, "u1", "p1"))
	assert.Empty(t, statements)

	pg := db.Session(&gorm.Session{DryRun: true})
	pg.Dialector = namedDialector{Dialector: db.Dialector, name: "postgres"}
	require.NoError(t, lockComposite(pg, "u1", "p1"))
	require.Len(t, statements, 1)
	assert.Equal(t, "SELECT pg_advisory_xact_lock(hashtext(?))", statements[0])
	assert.Equal(t, []any{"entitlements:u1:p1"}, vars)
	assert.NotEqual(t, compositeLockKey("u1", "p1"), compositeLockKey("u1", "p2"))
}
