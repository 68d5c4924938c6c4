// Package shareguard resolves a user's effective permission on a Task (C8)
// and enforces the operation/permission capability matrix at the HTTP
// boundary.
package shareguard

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/docreview/docreview/internal/audit"
	"github.com/docreview/docreview/internal/docerr"
	"github.com/docreview/docreview/internal/store"
)

// Operation is one of the gated task operations in the capability matrix.
type Operation string

const (
	OpViewTask       Operation = "view_task"
	OpDownloadReport Operation = "download_report"
	OpSubmitFeedback Operation = "submit_feedback"
	OpDeleteTask     Operation = "delete_task"
	OpManageShares   Operation = "manage_shares"
)

// Guard resolves and enforces task-level authorization.
type Guard struct {
	store *store.Store
}

func New(s *store.Store) *Guard {
	return &Guard{store: s}
}

// Resolve returns the acting user's effective permission on task:
// system_admin and the task's owner always get full_access; anyone else's
// permission comes from their active TaskShare, or docerr.CodeForbidden if
// none exists.
func (g *Guard) Resolve(ctx context.Context, user store.User, task store.Task) (store.Permission, error) {
	if user.Role == store.RoleSystemAdmin {
		return store.PermissionFullAccess, nil
	}
	if user.ID == task.OwnerUserID {
		return store.PermissionFullAccess, nil
	}
	share, err := g.store.GetActiveShare(ctx, task.ID, user.ID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", docerr.New(docerr.KindAuthorizationDenied, docerr.CodeForbidden, "no active share grants access to this task")
		}
		return "", fmt.Errorf("lookup active share: %w", err)
	}
	return share.Permission, nil
}

// capabilityMatrix maps each operation to the set of permissions that admit
// it. delete_task and manage_shares are intentionally absent here: they are
// owner/system_admin-only regardless of any full_access share, enforced as
// a special case in Authorize.
var capabilityMatrix = map[Operation]map[store.Permission]bool{
	OpViewTask: {
		store.PermissionReadOnly:     true,
		store.PermissionFeedbackOnly: true,
		store.PermissionFullAccess:   true,
	},
	OpDownloadReport: {
		store.PermissionFullAccess: true,
	},
	OpSubmitFeedback: {
		store.PermissionFeedbackOnly: true,
		store.PermissionFullAccess:   true,
	},
}

// Authorize resolves the user's permission on task and checks it against
// op's row of the capability matrix. delete_task and manage_shares are
// granted only to the task's owner or a system_admin, never to a shared
// full_access grantee.
func (g *Guard) Authorize(ctx context.Context, user store.User, task store.Task, op Operation) error {
	if op == OpDeleteTask || op == OpManageShares {
		if user.Role == store.RoleSystemAdmin || user.ID == task.OwnerUserID {
			audit.Record("allow", string(op), "", task.ID, user.ID)
			return nil
		}
		err := docerr.New(docerr.KindAuthorizationDenied, docerr.CodeForbidden, "only the task owner or a system_admin may "+string(op))
		audit.Record("deny", string(op), err.Error(), task.ID, user.ID)
		return err
	}

	perm, err := g.Resolve(ctx, user, task)
	if err != nil {
		audit.Record("deny", string(op), err.Error(), task.ID, user.ID)
		return err
	}
	if capabilityMatrix[op][perm] {
		audit.Record("allow", string(op), "", task.ID, user.ID)
		return nil
	}
	denyErr := docerr.New(docerr.KindAuthorizationDenied, docerr.CodeForbidden, fmt.Sprintf("permission %q does not allow %q", perm, op))
	audit.Record("deny", string(op), denyErr.Error(), task.ID, user.ID)
	return denyErr
}
