package traits

import (
	"context"
	"testing"

	require "github.com/stretchr/testify/require"
)

func TestApplyDPSPopulatesKnownCodes(t *testing.T) {
	decoded := map[string]any{
		"100": 87.0,
		"120": 5.0,
		"122": true,
		"999": "ignored",
	}
	status := &Status{}
	err := ApplyDPS(status, StatusTable, decoded)
	require.NoError(t, err)
	require.Equal(t, 87, status.Battery)
	require.Equal(t, 5, status.State)
	require.True(t, status.InCleaning)
	require.Equal(t, 0, status.ErrorCode)
}

func TestApplyDPSRejectsWrongType(t *testing.T) {
	decoded := map[string]any{"100": "not-a-number"}
	status := &Status{}
	err := ApplyDPS(status, StatusTable, decoded)
	require.Error(t, err)
}

type fakeCommander struct {
	result map[string]any
	err    error
}

func (f *fakeCommander) SendCommand(_ context.Context, _ string, _ any, result any) error {
	if f.err != nil {
		return f.err
	}
	out := result.(*map[string]any)
	*out = f.result
	return nil
}

func TestRefreshStatusDecodesCommandResult(t *testing.T) {
	cmd := &fakeCommander{result: map[string]any{"100": 42.0, "121": 3.0}}
	status, err := RefreshStatus(context.Background(), cmd, "product-x")
	require.NoError(t, err)
	require.Equal(t, 42, status.Battery)
	require.Equal(t, 3, status.ErrorCode)
}
