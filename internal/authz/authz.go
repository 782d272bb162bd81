// Package authz maps token scopes to capabilities and enforces them.
// The mapping is a pure function of the scope set; roles inform logging and
// audit only and never grant access on their own. Anything not covered by
// the matrix is denied.
package authz

import (
	"errors"

	"github.com/ramus-io/ramus/internal/auth"
)

// ErrForbidden is returned when the caller's scopes do not cover the
// required capability.
var ErrForbidden = errors.New("authz: forbidden")

// Capability names one guarded class of operations.
type Capability string

const (
	// CapSchemasRead covers reading ontology entities and branch state.
	CapSchemasRead Capability = "schemas:read"
	// CapSchemasWrite covers creating and modifying entities, subject to the
	// freeze gate.
	CapSchemasWrite Capability = "schemas:write"
	// CapBranchesWrite covers creating and merging branches.
	CapBranchesWrite Capability = "branches:write"
	// CapProposalsApprove covers approving changesets.
	CapProposalsApprove Capability = "proposals:approve"
	// CapSystemAdmin covers force-unlock, branch archival and compaction.
	CapSystemAdmin Capability = "system:admin"
	// CapServiceAccount covers the indexing heartbeat/complete endpoints.
	CapServiceAccount Capability = "service:account"
)

// scopeGrants is the capability matrix. A scope grants exactly the listed
// capabilities; admin additionally implies the write tiers so operators do
// not need every scope enumerated on their tokens.
var scopeGrants = map[string][]Capability{
	"api:schemas:read":      {CapSchemasRead},
	"api:schemas:write":     {CapSchemasRead, CapSchemasWrite},
	"api:branches:write":    {CapBranchesWrite},
	"api:proposals:approve": {CapProposalsApprove},
	"api:system:admin": {
		CapSchemasRead, CapSchemasWrite, CapBranchesWrite,
		CapProposalsApprove, CapSystemAdmin,
	},
	"api:service:account": {CapServiceAccount},
}

// Capabilities resolves a scope set to its granted capabilities. Unknown
// scopes grant nothing.
func Capabilities(scopes []string) map[Capability]bool {
	caps := make(map[Capability]bool)
	for _, scope := range scopes {
		for _, c := range scopeGrants[scope] {
			caps[c] = true
		}
	}
	return caps
}

// Check enforces one capability against the caller identity.
func Check(user auth.UserContext, cap Capability) error {
	if Capabilities(user.Scopes)[cap] {
		return nil
	}
	return ErrForbidden
}
