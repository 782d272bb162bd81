package lockmgr

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInferResourceTypes(t *testing.T) {
	tests := []struct {
		branch string
		want   []string
	}{
		{"feature/new-customer-links", []string{"link_type"}},
		{"fix-property-constraints", []string{"property"}},
		{"feature/interface-cleanup", []string{"interface"}},
		{"add-approval-action", []string{"action_type"}},
		{"feature/link-prop-rework", []string{"link_type", "property"}},
		{"feature/x", []string{"object_type"}},
		{"main", []string{"object_type"}},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, InferResourceTypes(tt.branch), "branch %s", tt.branch)
	}
}

func TestErrLockConflictMessage(t *testing.T) {
	err := &ErrLockConflict{}
	assert.Contains(t, err.Error(), "conflict")
}
