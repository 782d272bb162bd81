package authz

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ramus-io/ramus/internal/auth"
)

func TestCheckMatrix(t *testing.T) {
	tests := []struct {
		name   string
		scopes []string
		cap    Capability
		allow  bool
	}{
		{"read grants read", []string{"api:schemas:read"}, CapSchemasRead, true},
		{"read denies write", []string{"api:schemas:read"}, CapSchemasWrite, false},
		{"write implies read", []string{"api:schemas:write"}, CapSchemasRead, true},
		{"branches write", []string{"api:branches:write"}, CapBranchesWrite, true},
		{"approve only approves", []string{"api:proposals:approve"}, CapSchemasWrite, false},
		{"admin implies write", []string{"api:system:admin"}, CapSchemasWrite, true},
		{"admin implies admin", []string{"api:system:admin"}, CapSystemAdmin, true},
		{"admin does not imply service", []string{"api:system:admin"}, CapServiceAccount, false},
		{"service account scope", []string{"api:service:account"}, CapServiceAccount, true},
		{"unknown scope grants nothing", []string{"api:other:thing"}, CapSchemasRead, false},
		{"empty scopes deny", nil, CapSchemasRead, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Check(auth.UserContext{Scopes: tt.scopes}, tt.cap)
			if tt.allow {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrForbidden)
			}
		})
	}
}

func TestRolesNeverGrant(t *testing.T) {
	user := auth.UserContext{Roles: []string{"admin", "owner"}}
	assert.ErrorIs(t, Check(user, CapSchemasRead), ErrForbidden)
}
