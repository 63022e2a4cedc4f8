package builder

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorKinds(t *testing.T) {
	base := errors.New("boom")
	wrapped := fmt.Errorf("build container: %w", Tool("docker build", base))

	assert.Equal(t, KindTool, KindOf(wrapped))
	assert.ErrorIs(t, wrapped, base)
	assert.True(t, Retryable(wrapped))

	assert.False(t, Retryable(Validation("check format", base)))
	assert.False(t, Retryable(Infrastructure("fetch definition", base)))
	assert.False(t, Retryable(nil))
	assert.True(t, Retryable(base))
	assert.Equal(t, KindUnknown, KindOf(base))
}
