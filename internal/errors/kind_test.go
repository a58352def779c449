package errors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsKind(t *testing.T) {
	err := NotFound("lookup", "laser")
	assert.True(t, Is(err, Destination))
	assert.False(t, Is(err, Quota))

	wrapped := fmt.Errorf("context: %w", err)
	assert.True(t, Is(wrapped, Destination))
}

func TestMissingAttributes(t *testing.T) {
	assert.Nil(t, MissingAttributes("PRINT-JOB", nil))

	err := MissingAttributes("PRINT-JOB", []string{"job-name"})
	assert.EqualError(t, err, "codec: PRINT-JOB (missing-attribute): missing attribute job-name")

	err = MissingAttributes("PRINT-JOB", []string{"job-name", "copies", "media"})
	assert.Contains(t, err.Error(), "job-name, copies, and media")
}

func TestQuotaExceeded(t *testing.T) {
	err := QuotaExceeded("PRINT-JOB", "alice", "meter")
	assert.True(t, Is(err, Quota))
	assert.Equal(t, "quota-exceeded", err.Reason)
}
