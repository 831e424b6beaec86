package cli

import (
	"context"
	"errors"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OrlandoBitencourt/flagsync/internal/domain"
	"github.com/OrlandoBitencourt/flagsync/internal/flipt"
)

func TestFlagsText(t *testing.T) {
	mock := flipt.NewMockHandle("h1")
	mock.SetBoolean("new-checkout", true)
	mock.SetVariant("theme", "dark")

	out, err := run(t, []string{"flags"}, mockFactory(mock))
	require.NoError(t, err)

	assert.Contains(t, out, "KEY")
	assert.Contains(t, out, "new-checkout")
	assert.Contains(t, out, string(domain.FlagTypeBoolean))
	assert.Contains(t, out, "theme")
}

func TestFlagsJSON(t *testing.T) {
	mock := flipt.NewMockHandle("h1")
	mock.SetVariant("theme", "dark")

	out, err := run(t, []string{"flags", "--format", "json"}, mockFactory(mock))
	require.NoError(t, err)

	var flags []domain.Flag
	require.NoError(t, json.Unmarshal([]byte(out), &flags))
	require.Len(t, flags, 1)
	assert.Equal(t, "theme", flags[0].Key)
}

func TestFlagsListError(t *testing.T) {
	mock := flipt.NewMockHandle("h1")
	mock.ListFlagsFunc = func(context.Context) ([]domain.Flag, error) {
		return nil, errors.New("snapshot unavailable")
	}

	_, err := run(t, []string{"flags"}, mockFactory(mock))
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
}
