package mango

import (
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify_NilIsNil(t *testing.T) {
	assert.Nil(t, classify("op", nil))
}

func TestClassify_PassesThroughExistingMangoError(t *testing.T) {
	original := unsupportedQueryError("Translate", "bad shape")
	got := classify("op", original)
	assert.Same(t, original, got)
}

func TestKindForStatus(t *testing.T) {
	cases := []struct {
		status int
		want   ErrorKind
	}{
		{http.StatusUnauthorized, KindUnauthorized},
		{http.StatusForbidden, KindForbidden},
		{http.StatusNotFound, KindNotFound},
		{http.StatusConflict, KindConflict},
		{http.StatusPreconditionFailed, KindPreconditionFailed},
		{http.StatusInternalServerError, KindServerError},
		{http.StatusBadGateway, KindServerError},
		{0, KindTransport},
		{http.StatusTeapot, KindTransport},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, kindForStatus(tc.status), "status %d", tc.status)
	}
}

func TestClassify_NoStatusIsTransport(t *testing.T) {
	err := classify("op", errors.New("connection reset"))
	assert.Equal(t, KindTransport, err.Kind)
	assert.Equal(t, 0, err.StatusCode)
}

func TestError_PredicateHelpers(t *testing.T) {
	assert.True(t, (&Error{Kind: KindConflict}).IsConflict())
	assert.True(t, (&Error{Kind: KindNotFound}).IsNotFound())
	assert.True(t, (&Error{Kind: KindUnauthorized}).IsUnauthorized())
	assert.True(t, (&Error{Kind: KindTransport}).IsRetriable())
	assert.True(t, (&Error{Kind: KindServerError}).IsRetriable())
	assert.False(t, (&Error{Kind: KindConflict}).IsRetriable())

	// Forbidden is a final authorization decision: it must trigger neither
	// the one-shot re-auth nor the backoff retry loop.
	forbidden := &Error{Kind: KindForbidden}
	assert.False(t, forbidden.IsUnauthorized())
	assert.False(t, forbidden.IsRetriable())
}

func TestError_Unwrap(t *testing.T) {
	inner := errors.New("boom")
	e := &Error{Kind: KindTransport, Err: inner}
	assert.True(t, errors.Is(e, inner))
}

func TestError_ErrorStringIncludesStatusWhenPresent(t *testing.T) {
	e := &Error{Kind: KindConflict, Op: "PutDocument", StatusCode: 409, Reason: "document update conflict"}
	assert.Contains(t, e.Error(), "409")
	assert.Contains(t, e.Error(), "PutDocument")

	e2 := &Error{Kind: KindUnsupportedQuery, Op: "Translate", Reason: "mixed sort directions"}
	assert.NotContains(t, e2.Error(), "status")
}

func TestBackoff_GrowsExponentiallyWithinJitterBounds(t *testing.T) {
	base := 100 * time.Millisecond
	for attempt := 0; attempt < 4; attempt++ {
		d := backoff(attempt, base)
		expected := base * time.Duration(1<<uint(attempt))
		lo := time.Duration(float64(expected) * 0.75)
		hi := time.Duration(float64(expected) * 1.25)
		require.GreaterOrEqual(t, int64(d), int64(lo))
		require.LessOrEqual(t, int64(d), int64(hi))
	}
}
