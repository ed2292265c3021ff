package errors

import (
	"database/sql"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrap(t *testing.T) {
	original := New("original")
	wrapped := Wrap(original, "wrapped")

	assert.Contains(t, wrapped.Error(), "wrapped")
	assert.Contains(t, wrapped.Error(), "original")
	assert.True(t, Is(wrapped, original))
}

func TestWithDetail(t *testing.T) {
	err := WithDetailf(New("error"), "job %d", 7)

	details := GetAllDetails(err)
	require.Len(t, details, 1)
	assert.Equal(t, "job 7", details[0])
}

func TestNilHandling(t *testing.T) {
	assert.Nil(t, Wrap(nil, "context"))
	assert.Nil(t, WithHint(nil, "hint"))
	assert.Nil(t, WrapValidationFault(nil, "flush"))
	assert.False(t, IsClientInput(nil))
	assert.False(t, IsConfiguration(nil))
}

func TestFailureClasses(t *testing.T) {
	t.Run("configuration", func(t *testing.T) {
		err := NewConfigurationError("unknown file type %q", "award_x")
		assert.True(t, IsConfiguration(err))
		assert.False(t, IsClientInput(err))
		assert.Contains(t, err.Error(), `unknown file type "award_x"`)
	})

	t.Run("client input", func(t *testing.T) {
		err := NewClientInputError("wrong job type for finalize")
		assert.True(t, IsClientInput(err))
		assert.True(t, Is(err, ErrInvalidRequest))
	})

	t.Run("not found counts as client input", func(t *testing.T) {
		err := NewNotFoundError("job %d", 12)
		assert.True(t, IsNotFoundError(err))
		assert.True(t, IsClientInput(err))
	})

	t.Run("conflict counts as client input", func(t *testing.T) {
		assert.True(t, IsClientInput(Wrap(ErrConflict, "job 3 already running")))
	})

	t.Run("validation fault keeps cause", func(t *testing.T) {
		err := WrapValidationFault(sql.ErrConnDone, "flush job %d", 4)
		assert.True(t, IsValidationFault(err))
		assert.True(t, Is(err, sql.ErrConnDone))
		assert.Contains(t, err.Error(), "flush job 4")
	})

	t.Run("certification", func(t *testing.T) {
		err := Wrap(ErrCertificationRejected, "Monthly submissions cannot be certified")
		assert.True(t, IsCertificationRejected(err))
		assert.False(t, IsValidationFault(err))
	})
}

func TestErrorChaining(t *testing.T) {
	base := New("base error")

	err := Wrap(base, "layer 1")
	err = WithHint(err, "helpful hint")
	err = WithDetail(err, "detailed info")
	err = Wrap(err, "layer 2")

	assert.True(t, Is(err, base))
	assert.Contains(t, err.Error(), "layer 2: layer 1: base error")
	assert.Contains(t, GetAllHints(err), "helpful hint")
	assert.Contains(t, GetAllDetails(err), "detailed info")
}

func ExampleWrap() {
	baseErr := New("connection failed")
	err := Wrap(baseErr, "failed to open staging store")
	fmt.Println(err)
	// Output: failed to open staging store: connection failed
}
