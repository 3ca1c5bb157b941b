package canon_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/convergence/pkg/canon"
)

func TestIDIsDeterministic(t *testing.T) {
	a := canon.ID([]byte("hello world"))
	b := canon.ID([]byte("hello world"))
	require.Equal(t, a, b)
	require.NotEqual(t, a, canon.ID([]byte("hello world!")))
}

func TestMarshalIDRoundTrips(t *testing.T) {
	type thing struct {
		Name string `json:"name"`
		N    int    `json:"n"`
	}
	id, data, err := canon.MarshalID(thing{Name: "x", N: 3})
	require.NoError(t, err)
	require.Equal(t, canon.ID(data), id)

	var got thing
	require.NoError(t, canon.Unmarshal(data, &got))
	require.Equal(t, "x", got.Name)
	require.Equal(t, 3, got.N)
}

func TestSnapIDDependsOnCreatedAtAndRoot(t *testing.T) {
	a := canon.SnapID("2026-01-01T00:00:00Z", "root1")
	b := canon.SnapID("2026-01-01T00:00:00Z", "root2")
	c := canon.SnapID("2026-01-02T00:00:00Z", "root1")
	require.NotEqual(t, a, b)
	require.NotEqual(t, a, c)
	require.Equal(t, a, canon.SnapID("2026-01-01T00:00:00Z", "root1"))
}
