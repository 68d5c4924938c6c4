package store

import (
	"context"
	"database/sql"
	"errors"
	"testing"
)

func seedTwoUsers(t *testing.T, s *Store) (ownerID, granteeID string) {
	t.Helper()
	ctx := context.Background()
	if err := s.SeedUser(ctx, User{ID: "owner", ExternalUID: "owner-ext", DisplayName: "Owner", Email: "owner@x.com", Role: RoleUser}); err != nil {
		t.Fatalf("seed owner: %v", err)
	}
	if err := s.SeedUser(ctx, User{ID: "grantee", ExternalUID: "grantee-ext", DisplayName: "Grantee", Email: "grantee@x.com", Role: RoleUser}); err != nil {
		t.Fatalf("seed grantee: %v", err)
	}
	return "owner", "grantee"
}

func TestCreateShare_AndGetActiveShare(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	ownerID, granteeID := seedTwoUsers(t, s)
	fileInfoID, aiModelID := seedTaskFixtures(t, s, ownerID, 10)
	task := enqueueTestTask(t, s, ownerID, fileInfoID, aiModelID, 5)

	sh, err := s.CreateShare(ctx, TaskShare{TaskID: task.ID, SharedBy: ownerID, SharedWith: granteeID, Permission: PermissionReadOnly})
	if err != nil {
		t.Fatalf("create share: %v", err)
	}
	if !sh.Active {
		t.Fatal("expected new share to be active")
	}

	got, err := s.GetActiveShare(ctx, task.ID, granteeID)
	if err != nil {
		t.Fatalf("get active share: %v", err)
	}
	if got.Permission != PermissionReadOnly {
		t.Fatalf("expected read_only permission, got %q", got.Permission)
	}
}

func TestCreateShare_RevokesPriorActiveShareToSameUser(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	ownerID, granteeID := seedTwoUsers(t, s)
	fileInfoID, aiModelID := seedTaskFixtures(t, s, ownerID, 10)
	task := enqueueTestTask(t, s, ownerID, fileInfoID, aiModelID, 5)

	if _, err := s.CreateShare(ctx, TaskShare{TaskID: task.ID, SharedBy: ownerID, SharedWith: granteeID, Permission: PermissionReadOnly}); err != nil {
		t.Fatalf("create first share: %v", err)
	}
	if _, err := s.CreateShare(ctx, TaskShare{TaskID: task.ID, SharedBy: ownerID, SharedWith: granteeID, Permission: PermissionFullAccess}); err != nil {
		t.Fatalf("create second share: %v", err)
	}

	shares, err := s.ListSharesByTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("list shares: %v", err)
	}
	activeCount := 0
	for _, sh := range shares {
		if sh.Active {
			activeCount++
			if sh.Permission != PermissionFullAccess {
				t.Fatalf("expected the active share to be the newest grant, got %q", sh.Permission)
			}
		}
	}
	if activeCount != 1 {
		t.Fatalf("expected exactly 1 active share, got %d", activeCount)
	}
}

func TestRevokeShare_MakesShareInactive(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	ownerID, granteeID := seedTwoUsers(t, s)
	fileInfoID, aiModelID := seedTaskFixtures(t, s, ownerID, 10)
	task := enqueueTestTask(t, s, ownerID, fileInfoID, aiModelID, 5)

	sh, err := s.CreateShare(ctx, TaskShare{TaskID: task.ID, SharedBy: ownerID, SharedWith: granteeID, Permission: PermissionFeedbackOnly})
	if err != nil {
		t.Fatalf("create share: %v", err)
	}

	if err := s.RevokeShare(ctx, sh.ID); err != nil {
		t.Fatalf("revoke share: %v", err)
	}

	_, err = s.GetActiveShare(ctx, task.ID, granteeID)
	if !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected no active share after revoke, got %v", err)
	}
}

func TestRevokeShare_AlreadyRevokedReturnsNoRows(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	ownerID, granteeID := seedTwoUsers(t, s)
	fileInfoID, aiModelID := seedTaskFixtures(t, s, ownerID, 10)
	task := enqueueTestTask(t, s, ownerID, fileInfoID, aiModelID, 5)

	sh, err := s.CreateShare(ctx, TaskShare{TaskID: task.ID, SharedBy: ownerID, SharedWith: granteeID, Permission: PermissionReadOnly})
	if err != nil {
		t.Fatalf("create share: %v", err)
	}
	if err := s.RevokeShare(ctx, sh.ID); err != nil {
		t.Fatalf("revoke share: %v", err)
	}
	if err := s.RevokeShare(ctx, sh.ID); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected sql.ErrNoRows on double revoke, got %v", err)
	}
}
