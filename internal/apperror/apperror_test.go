package apperror

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIs_MatchesByCode(t *testing.T) {
	err := ErrAlreadyConfirmed.With("deposit DEP-1 already confirmed")
	wrapped := fmt.Errorf("confirm deposit: %w", err)

	assert.True(t, errors.Is(wrapped, ErrAlreadyConfirmed))
	assert.False(t, errors.Is(wrapped, ErrAlreadySigned))
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"validation", Validation("bad"), KindValidation},
		{"not found", ErrOrderNotFound, KindNotFound},
		{"conflict wrapped", fmt.Errorf("x: %w", ErrContractAlreadyExists), KindConflict},
		{"authorization", ErrNotAParty, KindAuthorization},
		{"foreign error", errors.New("boom"), KindInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestCodeOf(t *testing.T) {
	assert.Equal(t, CodeInsufficientBalance, CodeOf(ErrInsufficientBalance))
	assert.Equal(t, CodeInternal, CodeOf(errors.New("boom")))
}

func TestWrap_UnwrapsCause(t *testing.T) {
	cause := errors.New("connection reset")
	err := Internal(cause, "update order")

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "connection reset")
	assert.Contains(t, err.Error(), string(CodeInternal))
}
