package apperr

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConstructors(t *testing.T) {
	testCases := []struct {
		name   string
		err    *Error
		kind   Kind
		status int
	}{
		{"not found", NotFound("RUN_NOT_FOUND", "run %s not found", "R-1"), KindNotFound, http.StatusNotFound},
		{"conflict", Conflict("UNIT_ALREADY_DONE", "unit is done"), KindStateConflict, http.StatusConflict},
		{"invalid", Invalid("INVALID_OQC_COUNTS", "bad counts"), KindValidationFailed, http.StatusBadRequest},
		{"locked", Locked("SLOT_LOCKED", "slot locked"), KindResourceLocked, http.StatusConflict},
		{"denied", Denied("FAI_WAIVER_NOT_ALLOWED", "no"), KindPermissionDenied, http.StatusForbidden},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.kind, tc.err.Kind)
			assert.Equal(t, tc.status, tc.err.Status)
		})
	}

	assert.Equal(t, "RUN_NOT_FOUND: run R-1 not found", NotFound("RUN_NOT_FOUND", "run %s not found", "R-1").Error())
}

func TestAsThroughWrapping(t *testing.T) {
	base := Conflict("INVALID_OQC_STATUS", "not inspecting")
	wrapped := fmt.Errorf("complete oqc: %w", base)

	e, ok := As(wrapped)
	require.True(t, ok)
	assert.Equal(t, "INVALID_OQC_STATUS", e.Code)
	assert.True(t, Is(wrapped, "INVALID_OQC_STATUS"))
	assert.True(t, IsKind(wrapped, KindStateConflict))

	_, ok = As(fmt.Errorf("connection refused"))
	assert.False(t, ok)
}

func TestWithStatusCopies(t *testing.T) {
	base := Denied("FAI_WAIVER_NOT_ALLOWED", "only REUSE_PREP")
	changed := base.WithStatus(http.StatusBadRequest)

	assert.Equal(t, http.StatusForbidden, base.Status)
	assert.Equal(t, http.StatusBadRequest, changed.Status)
	assert.Equal(t, base.Code, changed.Code)
}
