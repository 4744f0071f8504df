// File: internal/browser/driver_test.go

package browser

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prismbot/prism/internal/recovery"
)

func TestMapErrorDeadline(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	<-ctx.Done()

	err := mapError("wait_for_selector", ctx, context.DeadlineExceeded)
	var toErr *recovery.TimeoutError
	require.ErrorAs(t, err, &toErr)
	assert.Equal(t, "wait_for_selector", toErr.Operation)
}

func TestMapErrorCancellationPassesThrough(t *testing.T) {
	err := mapError("click", context.Background(), context.Canceled)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMapErrorConnectionLossIsRecoverable(t *testing.T) {
	err := mapError("navigate", context.Background(), errors.New("websocket: close 1006"))
	var bErr *recovery.BrowserError
	require.ErrorAs(t, err, &bErr)
	assert.True(t, bErr.Recoverable)
}

func TestMapErrorNodeFailureIsNotRecoverable(t *testing.T) {
	err := mapError("click", context.Background(), errors.New("could not find node for selector #missing"))
	var bErr *recovery.BrowserError
	require.ErrorAs(t, err, &bErr)
	assert.False(t, bErr.Recoverable)
}

func TestExecOptionsFoldsExtraFlags(t *testing.T) {
	opts := execOptions(Options{
		Headless:   true,
		ExtraFlags: []string{"--disable-gpu", "window-size=1280,720"},
	})
	assert.NotEmpty(t, opts)
}
