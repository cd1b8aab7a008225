package billing

import (
	"context"
	"testing"
	"time"
)

func TestMemoryStoreEnforcesTransitions(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	purchases := store.Purchases(ctx)

	p := &Purchase{ID: "p-1", OrganisationID: "org-1", PackageID: "training", Status: PurchaseFailed}
	if err := purchases.Create(ctx, p); err != nil {
		t.Fatalf("Create: %v", err)
	}

	// A failed purchase is terminal for both confirm and fail.
	outcome, err := purchases.TryConfirm(ctx, "p-1", "", time.Now())
	if err != nil {
		t.Fatalf("TryConfirm: %v", err)
	}
	if outcome != ConfirmInvalidState {
		t.Fatalf("outcome = %v, want ConfirmInvalidState", outcome)
	}
	if changed, err := purchases.TryFail(ctx, "p-1"); err != nil || changed {
		t.Fatalf("TryFail on failed purchase: changed=%v err=%v", changed, err)
	}
}
