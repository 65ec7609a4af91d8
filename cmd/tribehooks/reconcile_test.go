package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tribebuild/tribehooks/pkg/access"
	"github.com/tribebuild/tribehooks/pkg/billing"
)

type fakeReconciler struct {
	results map[string]*billing.WebhookEvent
	errs    map[string]error
	seen    []string
}

func (f *fakeReconciler) Reconcile(_ context.Context, customerID string) (*billing.WebhookEvent, error) {
	f.seen = append(f.seen, customerID)
	return f.results[customerID], f.errs[customerID]
}

func TestRunReconcile(t *testing.T) {
	errAPI := errors.New("stripe unavailable")
	r := &fakeReconciler{
		results: map[string]*billing.WebhookEvent{
			"cus_1": {PlanTier: "business", PlanStatus: "active", ProfilesUpdated: 1},
		},
		errs: map[string]error{
			"cus_2": fmt.Errorf("%w: stripe_customer_id=cus_2", access.ErrProfileNotFound),
			"cus_3": errAPI,
		},
	}

	var out bytes.Buffer
	err := runReconcile(context.Background(), &out, r, []string{"cus_1", "cus_2", "cus_3"})
	require.Error(t, err)
	assert.ErrorIs(t, err, errAPI)
	assert.NotErrorIs(t, err, access.ErrProfileNotFound)

	assert.Equal(t, []string{"cus_1", "cus_2", "cus_3"}, r.seen)
	assert.Contains(t, out.String(), "cus_1: plan=business status=active profiles=1\n")
	assert.Contains(t, out.String(), "cus_2: no profile linked to this customer\n")
	assert.Contains(t, out.String(), "cus_3: failed: stripe unavailable\n")
}

func TestRunReconcile_StopsOnCancel(t *testing.T) {
	r := &fakeReconciler{results: map[string]*billing.WebhookEvent{"cus_1": {}}}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := runReconcile(ctx, &bytes.Buffer{}, r, []string{"cus_1", "cus_2"})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []string{"cus_1"}, r.seen)
}

func TestReconcile_RequiresStripeKey(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/tribe")
	t.Setenv("STRIPE_SECRET_KEY", "")
	_, err := execute(t, "reconcile", "--customer", "cus_1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "STRIPE_SECRET_KEY")
}
