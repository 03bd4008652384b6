package provider

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trellisdata/trellis/internal/authn"
)

func TestPasswordProvider(t *testing.T) {
	ctx := context.Background()

	hash, err := HashPassword("wonderland")
	require.NoError(t, err)
	p := NewPassword(map[string]string{"alice": hash})

	id, err := p.Authenticate(ctx, "alice", "wonderland")
	require.NoError(t, err)
	assert.Equal(t, "alice", id)

	t.Run("wrong password and unknown user fail alike", func(t *testing.T) {
		_, wrongPassword := p.Authenticate(ctx, "alice", "queen")
		_, unknownUser := p.Authenticate(ctx, "mallory", "queen")
		assert.ErrorIs(t, wrongPassword, authn.ErrInvalidCredentials)
		assert.ErrorIs(t, unknownUser, authn.ErrInvalidCredentials)
		assert.Equal(t, wrongPassword, unknownUser)
	})
}
