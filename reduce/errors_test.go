package reduce

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRetriable_NilIsNotRetriable(t *testing.T) {
	assert.False(t, Retriable(nil))
}

func TestRetriable_NodeLeftIsRetriable(t *testing.T) {
	assert.True(t, Retriable(ErrNodeLeft))
	assert.True(t, Retriable(fmt.Errorf("wrapped: %w", ErrNodeLeft)))
}

func TestRetriable_MapperUnstableIsRetriable(t *testing.T) {
	assert.True(t, Retriable(errMapperUnstable))
}

func TestRetriable_SendFailedIsRetriable(t *testing.T) {
	assert.True(t, Retriable(errSendFailed))
}

func TestRetriable_UnrelatedErrorIsNotRetriable(t *testing.T) {
	assert.False(t, Retriable(ErrCancelled))
	assert.False(t, Retriable(assert.AnError))
}

func TestMapFailure_UnwrapsToCause(t *testing.T) {
	mf := &MapFailure{NodeID: "n1", Cause: ErrNodeLeft}
	assert.ErrorIs(t, mf, ErrNodeLeft)
	assert.Contains(t, mf.Error(), "n1")
}

func TestMappingExhaustedError_UnwrapsToSentinel(t *testing.T) {
	e := &MappingExhaustedError{LastNode: "n1", LastCause: ErrNodeLeft, Attempts: 4}
	assert.True(t, errors.Is(e, ErrMappingExhausted))
	assert.Contains(t, e.Error(), "n1")
	assert.Contains(t, e.Error(), "4")
}

func TestMappingExhaustedError_NoLastCauseOmitsNodeDetail(t *testing.T) {
	e := &MappingExhaustedError{Attempts: 1}
	assert.NotContains(t, e.Error(), "last retry")
}
