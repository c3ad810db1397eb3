package server

import (
	"net/http"

	xerrors "github.com/espwatch/espwatch/internal/errors"
)

// Operation classes gated by the Authorizer.
const (
	OpIngest = "ingest"
	OpQuery  = "query"
	OpStream = "stream"
	OpAdmin  = "admin"
)

// Authorizer decides whether a request may perform an operation class.
// The default implementation trusts a role header set by the fronting
// proxy; deployments with real identity plug in their own.
type Authorizer interface {
	Authorize(r *http.Request, op string) error
}

// RoleHeader is the header carrying the caller's role.
const RoleHeader = "X-Role"

// RoleAuthorizer allows read and ingest operations for everyone and
// restricts admin operations to the admin role.
type RoleAuthorizer struct{}

// Authorize implements Authorizer.
func (RoleAuthorizer) Authorize(r *http.Request, op string) error {
	if op != OpAdmin {
		return nil
	}
	if r.Header.Get(RoleHeader) == "admin" {
		return nil
	}
	return xerrors.Wrap(xerrors.ErrNotAuthorized, "admin role required")
}
