package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCoreError_Error(t *testing.T) {
	err := &CoreError{
		Code: CodeLockTimeout,
		What: "could not lock spec_number",
		Why:  "held elsewhere",
	}
	assert.Equal(t, "could not lock spec_number: held elsewhere", err.Error())

	wrapped := err.WithCause(errors.New("flock: EWOULDBLOCK"))
	assert.Contains(t, wrapped.Error(), "EWOULDBLOCK")
}

func TestCoreError_Is(t *testing.T) {
	err := fmt.Errorf("outer: %w", ErrBranchNamespace())
	assert.True(t, errors.Is(err, &CoreError{Code: CodeBranchNamespace}))
	assert.False(t, errors.Is(err, &CoreError{Code: CodeMergeConflict}))
}

func TestCoreError_UserMessage(t *testing.T) {
	msg := ErrBranchNamespace().UserMessage()
	assert.Contains(t, msg, "Error: branch 'auto-claude' exists")
	assert.Contains(t, msg, "Fix: Rename it: git branch -m auto-claude auto-claude-legacy")
}

func TestCoreError_MarshalJSON(t *testing.T) {
	err := ErrMergeConflict("oauth-fix", []string{"a.go", "b.go"}).WithCause(errors.New("exit 1"))
	data, jsonErr := json.Marshal(err)
	require.NoError(t, jsonErr)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, string(CodeMergeConflict), decoded["code"])
	assert.Equal(t, "exit 1", decoded["cause"])
}

func TestAsCoreError(t *testing.T) {
	inner := ErrSpecNotFound("042")
	err := fmt.Errorf("load spec: %w", inner)

	got := AsCoreError(err)
	require.NotNil(t, got)
	assert.Equal(t, CodeSpecNotFound, got.Code)

	assert.Nil(t, AsCoreError(errors.New("plain")))
}

func TestWrap(t *testing.T) {
	cause := errors.New("boom")
	err := Wrap(cause, "persist state")
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "persist state")
}
