package provider

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestProviderError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *ProviderError
		expected string
	}{
		{
			name:     "bucket and key",
			err:      &ProviderError{Op: "Head", Provider: ProviderS3, Bucket: "evals", Key: "results/a.json", Err: ErrNotFound},
			expected: "s3 Head: evals/results/a.json: object not found",
		},
		{
			name:     "bucket only",
			err:      &ProviderError{Op: "List", Provider: ProviderS3, Bucket: "evals", Err: ErrAccessDenied},
			expected: "s3 List: evals: access denied",
		},
		{
			name:     "file key",
			err:      &ProviderError{Op: "Head", Provider: ProviderFile, Key: "results_x.json", Err: ErrNotFound},
			expected: "file Head: results_x.json: object not found",
		},
		{
			name:     "neither",
			err:      &ProviderError{Op: "New", Provider: ProviderS3, Err: errors.New("failed to load config")},
			expected: "s3 New: failed to load config",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.err.Error())
		})
	}
}

func TestSentinelHelpers(t *testing.T) {
	wrap := func(err error) error { return &ProviderError{Op: "x", Provider: ProviderS3, Err: err} }

	assert.True(t, IsNotFound(wrap(ErrNotFound)))
	assert.False(t, IsNotFound(wrap(ErrAccessDenied)))
	assert.True(t, IsAccessDenied(wrap(ErrAccessDenied)))
	assert.True(t, IsBucketNotFound(wrap(ErrBucketNotFound)))
	assert.True(t, IsInvalidCredentials(wrap(ErrInvalidCredentials)))
	assert.True(t, IsProviderUnavailable(wrap(ErrProviderUnavailable)))
	assert.True(t, IsThrottled(wrap(ErrThrottled)))

	assert.True(t, IsRetryable(wrap(ErrThrottled)))
	assert.True(t, IsRetryable(wrap(ErrProviderUnavailable)))
	assert.False(t, IsRetryable(wrap(ErrNotFound)))
}
