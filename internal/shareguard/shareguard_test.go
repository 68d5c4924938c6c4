package shareguard

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/docreview/docreview/internal/docerr"
	"github.com/docreview/docreview/internal/store"
)

func newGuardFixture(t *testing.T) (*Guard, *store.Store, store.Task, store.User, store.User) {
	t.Helper()
	dir := t.TempDir()
	s, err := store.Open(context.Background(), filepath.Join(dir, "docreview.db"), 5000)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	ctx := context.Background()
	owner := store.User{ID: "owner", ExternalUID: "owner-ext", DisplayName: "Owner", Email: "owner@x.com", Role: store.RoleUser, MaxConcurrentTasks: 10}
	grantee := store.User{ID: "grantee", ExternalUID: "grantee-ext", DisplayName: "Grantee", Email: "grantee@x.com", Role: store.RoleUser, MaxConcurrentTasks: 10}
	if err := s.SeedUser(ctx, owner); err != nil {
		t.Fatalf("seed owner: %v", err)
	}
	if err := s.SeedUser(ctx, grantee); err != nil {
		t.Fatalf("seed grantee: %v", err)
	}

	fi, err := s.GetOrCreateFileInfo(ctx, store.FileInfo{SHA256: "sha-g", StoredPath: "/tmp/g", OriginalName: "g.txt", SizeBytes: 1, MimeType: "text/plain"})
	if err != nil {
		t.Fatalf("create file info: %v", err)
	}
	if err := s.SeedAIModel(ctx, store.AIModel{ID: "model-1", Key: "model-1", Provider: "mock", IsDefault: true}); err != nil {
		t.Fatalf("seed ai model: %v", err)
	}
	task, _, err := s.EnqueueTask(ctx, store.Task{OwnerUserID: owner.ID, FileInfoID: fi.ID, AIModelID: "model-1", Title: "t"}, 5, 3)
	if err != nil {
		t.Fatalf("enqueue task: %v", err)
	}

	return New(s), s, *task, owner, grantee
}

func TestGuard_OwnerAlwaysGetsFullAccess(t *testing.T) {
	g, _, task, owner, _ := newGuardFixture(t)
	perm, err := g.Resolve(context.Background(), owner, task)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if perm != store.PermissionFullAccess {
		t.Fatalf("expected owner to get full_access, got %q", perm)
	}
}

func TestGuard_SystemAdminAlwaysGetsFullAccess(t *testing.T) {
	g, _, task, _, _ := newGuardFixture(t)
	admin := store.User{ID: "admin", Role: store.RoleSystemAdmin}
	perm, err := g.Resolve(context.Background(), admin, task)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if perm != store.PermissionFullAccess {
		t.Fatalf("expected system_admin to get full_access, got %q", perm)
	}
}

func TestGuard_UnsharedUserIsForbidden(t *testing.T) {
	g, _, task, _, grantee := newGuardFixture(t)
	_, err := g.Resolve(context.Background(), grantee, task)
	if docerr.KindOf(err) != docerr.KindAuthorizationDenied {
		t.Fatalf("expected authorization denied for an unshared user, got %v", err)
	}
}

func TestGuard_ResolvesActiveSharePermission(t *testing.T) {
	g, s, task, owner, grantee := newGuardFixture(t)
	if _, err := s.CreateShare(context.Background(), store.TaskShare{TaskID: task.ID, SharedBy: owner.ID, SharedWith: grantee.ID, Permission: store.PermissionFeedbackOnly}); err != nil {
		t.Fatalf("create share: %v", err)
	}

	perm, err := g.Resolve(context.Background(), grantee, task)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if perm != store.PermissionFeedbackOnly {
		t.Fatalf("expected feedback_only, got %q", perm)
	}
}

func TestGuard_Authorize_CapabilityMatrix(t *testing.T) {
	g, s, task, owner, grantee := newGuardFixture(t)
	if _, err := s.CreateShare(context.Background(), store.TaskShare{TaskID: task.ID, SharedBy: owner.ID, SharedWith: grantee.ID, Permission: store.PermissionReadOnly}); err != nil {
		t.Fatalf("create share: %v", err)
	}

	if err := g.Authorize(context.Background(), grantee, task, OpViewTask); err != nil {
		t.Fatalf("expected read_only to view task, got %v", err)
	}
	if err := g.Authorize(context.Background(), grantee, task, OpDownloadReport); err == nil {
		t.Fatal("expected read_only to be denied report download")
	}
	if err := g.Authorize(context.Background(), grantee, task, OpSubmitFeedback); err == nil {
		t.Fatal("expected read_only to be denied feedback submission")
	}
}

func TestGuard_Authorize_DeleteAndShareManagementAreOwnerOnlyEvenWithFullAccessShare(t *testing.T) {
	g, s, task, owner, grantee := newGuardFixture(t)
	if _, err := s.CreateShare(context.Background(), store.TaskShare{TaskID: task.ID, SharedBy: owner.ID, SharedWith: grantee.ID, Permission: store.PermissionFullAccess}); err != nil {
		t.Fatalf("create share: %v", err)
	}

	if err := g.Authorize(context.Background(), grantee, task, OpDeleteTask); err == nil {
		t.Fatal("expected a full_access grantee to still be denied task deletion")
	}
	if err := g.Authorize(context.Background(), owner, task, OpDeleteTask); err != nil {
		t.Fatalf("expected the owner to be allowed to delete the task, got %v", err)
	}
}

func TestGuard_Authorize_RevokedShareNoLongerGrantsAccess(t *testing.T) {
	g, s, task, owner, grantee := newGuardFixture(t)
	share, err := s.CreateShare(context.Background(), store.TaskShare{TaskID: task.ID, SharedBy: owner.ID, SharedWith: grantee.ID, Permission: store.PermissionFullAccess})
	if err != nil {
		t.Fatalf("create share: %v", err)
	}
	if err := s.RevokeShare(context.Background(), share.ID); err != nil {
		t.Fatalf("revoke share: %v", err)
	}

	if err := g.Authorize(context.Background(), grantee, task, OpViewTask); err == nil {
		t.Fatal("expected a revoked share to no longer grant access")
	}
}
