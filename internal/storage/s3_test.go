package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewArchive_DisabledWhenBucketEmpty(t *testing.T) {
	a, err := NewArchive(context.Background(), "", "us-east-1", "key", "secret")
	require.NoError(t, err)
	assert.Nil(t, a)
}

func TestNewArchive_ErrorsWhenCredentialsMissing(t *testing.T) {
	_, err := NewArchive(context.Background(), "my-bucket", "us-east-1", "", "")
	require.Error(t, err)
}
