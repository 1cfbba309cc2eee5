package errors

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrapKeepsCauseAndClassification(t *testing.T) {
	cause := stderrors.New("remote returned 503")
	err := Wrap(cause, CategoryPersistenceFailure, CodeRemoteRejected, "receipt is recorded locally; forward it later", true)

	require.Error(t, err)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, CategoryPersistenceFailure, CategoryOf(err))
	assert.Equal(t, CodeRemoteRejected, CodeOf(err))
	assert.Equal(t, "receipt is recorded locally; forward it later", HintOf(err))
	assert.True(t, RetryableOf(err))
	assert.Equal(t, "remote returned 503", err.Error())
}

func TestClassificationSurvivesFmtWrapping(t *testing.T) {
	inner := New(CategoryConfiguration, CodeRegistryMissing, "skills lock required but absent", "create skills.lock.json")
	outer := fmt.Errorf("gate: %w", inner)

	classified, ok := As(outer)
	require.True(t, ok)
	assert.Equal(t, CodeRegistryMissing, classified.Code)
	assert.False(t, classified.Retryable)
	assert.Equal(t, "gate: skills lock required but absent", outer.Error())
}

func TestOutermostClassificationWins(t *testing.T) {
	inner := New(CategoryInvalidInput, "plan_invalid", "bad plan", "")
	outer := Wrap(inner, CategoryPolicyBlocked, "policy_denied", "", false)

	assert.Equal(t, CategoryPolicyBlocked, CategoryOf(outer))
	assert.Equal(t, "policy_denied", CodeOf(outer))
}

func TestPlainErrorsHaveNoClassification(t *testing.T) {
	err := stderrors.New("plain")
	_, ok := As(err)
	assert.False(t, ok)
	assert.Empty(t, CategoryOf(err))
	assert.Empty(t, CodeOf(err))
	assert.Empty(t, HintOf(err))
	assert.False(t, RetryableOf(err))
	assert.False(t, RetryableOf(nil))
}

func TestWrapNil(t *testing.T) {
	assert.NoError(t, Wrap(nil, CategoryInternalFailure, "internal_failure", "", false))
}

func TestErrorWithoutCause(t *testing.T) {
	assert.Equal(t, "unknown error", (&Error{}).Error())
	assert.Equal(t, CodeChainBroken, (&Error{Code: CodeChainBroken}).Error())
	assert.Nil(t, (&Error{}).Unwrap())
}

func TestCategoriesAreDistinct(t *testing.T) {
	seen := make(map[Category]bool, len(Categories))
	for _, category := range Categories {
		require.NotEmpty(t, category)
		require.False(t, seen[category], "duplicate category %s", category)
		seen[category] = true
	}
	assert.Len(t, seen, 8)
}
