package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCmd_RequiresTenant(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetArgs([]string{"--dry-run"})
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tenant")
}

func TestRootCmd_RejectsNonPositiveInactivity(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetArgs([]string{"--tenant", "t1", "--inactive-days", "0"})
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--inactive-days")
}

func TestRootCmd_Defaults(t *testing.T) {
	cmd := newRootCmd()

	days, err := cmd.Flags().GetInt("inactive-days")
	require.NoError(t, err)
	assert.Equal(t, 90, days)

	digits, err := cmd.Flags().GetInt("suffix-digits")
	require.NoError(t, err)
	assert.Equal(t, 8, digits)
}
