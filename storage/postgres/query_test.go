package postgres

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/tribebuild/tribehooks/pkg/access"
)

func TestBuildProfileUpdate_Checkout(t *testing.T) {
	now := time.Date(2025, 1, 15, 12, 0, 0, 0, time.UTC)
	trialEnd := now.Add(14 * 24 * time.Hour)

	query, args := buildProfileUpdate(access.ProfileByID("p1"), access.ProfileUpdate{
		Plan:                 access.Set(access.PlanBusiness),
		PlanStatus:           access.Set(access.PlanStatusTrial),
		TrialEndsAt:          access.Set(trialEnd),
		StripeCustomerID:     access.Set("cus_1"),
		StripeSubscriptionID: access.Set("sub_1"),
		UpdatedAt:            now,
	})

	assert.Equal(t,
		"UPDATE profiles SET plan = $1, plan_status = $2, trial_ends_at = $3, stripe_customer_id = $4, "+
			"stripe_subscription_id = $5, updated_at = $6 WHERE id::text = $7",
		query)
	assert.Equal(t, []any{"business", "trial", trialEnd, "cus_1", "sub_1", now, "p1"}, args)
}

func TestBuildProfileUpdate_Deleted(t *testing.T) {
	now := time.Date(2025, 1, 15, 12, 0, 0, 0, time.UTC)

	query, args := buildProfileUpdate(access.ProfileByStripeCustomer("cus_1"), access.ProfileUpdate{
		PlanStatus:           access.Set(access.PlanStatusCanceled),
		StripeSubscriptionID: access.Null[string](),
		UpdatedAt:            now,
	})

	assert.Equal(t,
		"UPDATE profiles SET plan_status = $1, stripe_subscription_id = $2, updated_at = $3 WHERE stripe_customer_id = $4",
		query)
	assert.Equal(t, []any{"canceled", nil, now, "cus_1"}, args)
}

func TestBuildProfileUpdate_ByEmail(t *testing.T) {
	query, args := buildProfileUpdate(access.ProfileByEmail("A@x.com"), access.ProfileUpdate{
		TrialEndsAt: access.Null[time.Time](),
	})
	assert.Contains(t, query, "trial_ends_at = $1")
	assert.Contains(t, query, "WHERE lower(email) = lower($3)")
	assert.Nil(t, args[0])
	assert.Equal(t, "a@x.com", args[2])
}

func TestMigrationURL(t *testing.T) {
	assert.Equal(t, "pgx5://u:p@localhost:5432/db?sslmode=disable",
		migrationURL("postgres://u:p@localhost:5432/db?sslmode=disable"))
	assert.Equal(t, "pgx5://localhost/db", migrationURL("postgresql://localhost/db"))
	assert.Equal(t, "pgx5://localhost/db", migrationURL("pgx5://localhost/db"))
}

func TestMigrationsEmbedded(t *testing.T) {
	entries, err := migrationsFS.ReadDir("migrations")
	assert.NoError(t, err)
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.Contains(t, names, "0001_init.up.sql")
	assert.Contains(t, names, "0001_init.down.sql")
}
