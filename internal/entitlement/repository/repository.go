package repository

import (
	"context"
	"time"

	"github.com/smallbiznis/entitlementsync/internal/entitlement/domain"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

// UpsertEntitlement updates every row matching (user_id, product_id) and
// inserts row when none exists. Runs in a single transaction holding the
// composite lock, so concurrent events for a new pair insert once.
func (r *repo) UpsertEntitlement(ctx context.Context, db *gorm.DB, row *domain.Entitlement) error {
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := lockComposite(tx, row.UserID, row.ProductID); err != nil {
			return err
		}

		res := tx.Exec(
			`UPDATE entitlements
			 SET platform = ?, purchase_token = ?, expires_at = ?, is_active = ?,
			     raw_response = ?, updated_at = ?
			 WHERE user_id = ? AND product_id = ?`,
			row.Platform,
			row.PurchaseToken,
			row.ExpiresAt,
			row.IsActive,
			row.RawResponse,
			row.UpdatedAt,
			row.UserID,
			row.ProductID,
		)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected > 0 {
			return nil
		}

		// MySQL reports zero affected rows when nothing changed.
		var existing int64
		if err := tx.Raw(
			`SELECT COUNT(1) FROM entitlements WHERE user_id = ? AND product_id = ?`,
			row.UserID,
			row.ProductID,
		).Scan(&existing).Error; err != nil {
			return err
		}
		if existing > 0 {
			return nil
		}
		return tx.Create(row).Error
	})
}

// lockComposite takes a transaction-scoped advisory lock on postgres. MySQL
// gets the same effect from InnoDB next-key locks on the UPDATE, where the
// loser of a race fails with a retryable deadlock. SQLite has a single writer.
func lockComposite(tx *gorm.DB, userID, productID string) error {
	if tx.Dialector.Name() != "postgres" {
		return nil
	}
	return tx.Exec(`SELECT pg_advisory_xact_lock(hashtext(?))`, compositeLockKey(userID, productID)).Error
}

func compositeLockKey(userID, productID string) string {
	return "entitlements:" + userID + ":" + productID
}

func (r *repo) InsertEntitlement(ctx context.Context, db *gorm.DB, row *domain.Entitlement) error {
	return db.WithContext(ctx).Create(row).Error
}

func (r *repo) DeactivateEntitlement(ctx context.Context, db *gorm.DB, userID, productID string, raw []byte, at time.Time) (int64, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE entitlements
		 SET is_active = ?, raw_response = ?, updated_at = ?
		 WHERE user_id = ? AND product_id = ?`,
		false,
		datatypes.JSON(raw),
		at,
		userID,
		productID,
	)
	if res.Error != nil {
		return 0, res.Error
	}
	return res.RowsAffected, nil
}

// UpsertSubscriptionState writes only the columns present on update in one
// INSERT ... ON CONFLICT (user_id) statement.
func (r *repo) UpsertSubscriptionState(ctx context.Context, db *gorm.DB, update domain.SubscriptionStateUpdate, at time.Time) error {
	row := domain.SubscriptionState{
		UserID:          update.UserID,
		Status:          update.Status,
		ExpiresAt:       update.ExpiresAt,
		BillingCycle:    update.BillingCycle,
		TransactionID:   update.TransactionID,
		PaymentProvider: string(update.PaymentProvider),
		UpdatedAt:       at,
	}
	if update.Tier != nil {
		row.Tier = *update.Tier
	}

	columns := subscriptionColumns(update)
	return db.WithContext(ctx).
		Select(append([]string{"user_id"}, columns...)).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			DoUpdates: clause.AssignmentColumns(columns),
		}).
		Create(&row).Error
}

func subscriptionColumns(update domain.SubscriptionStateUpdate) []string {
	columns := []string{"status", "payment_provider", "updated_at"}
	if update.Tier != nil {
		columns = append(columns, "tier")
	}
	if update.ExpiresAt != nil {
		columns = append(columns, "expires_at")
	}
	if update.BillingCycle != nil {
		columns = append(columns, "billing_cycle")
	}
	if update.TransactionID != nil {
		columns = append(columns, "transaction_id")
	}
	return columns
}
