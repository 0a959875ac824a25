package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

type widget struct {
	Name string `json:"name"`
}

func TestPutGetRoundTrip(t *testing.T) {
	s := New()
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "widgets", "w1", widget{Name: "gizmo"}))

	var got widget
	found, err := s.Get(ctx, "widgets", "w1", &got)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "gizmo", got.Name)
}

func TestGetMissingReturnsFalse(t *testing.T) {
	s := New()
	var got widget
	found, err := s.Get(context.Background(), "widgets", "nope", &got)
	require.NoError(t, err)
	require.False(t, found)
}

func TestDeleteThenGetAll(t *testing.T) {
	s := New()
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "widgets", "w1", widget{Name: "a"}))
	require.NoError(t, s.Put(ctx, "widgets", "w2", widget{Name: "b"}))
	require.NoError(t, s.Delete(ctx, "widgets", "w1"))

	all, err := s.GetAll(ctx, "widgets")
	require.NoError(t, err)
	require.Len(t, all, 1)
	_, ok := all["w2"]
	require.True(t, ok)
}

func TestDeleteAbsentKeyIsNoop(t *testing.T) {
	s := New()
	require.NoError(t, s.Delete(context.Background(), "widgets", "missing"))
}

func TestPutUpsertOverwrites(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, "widgets", "w1", widget{Name: "a"}))
	require.NoError(t, s.Put(ctx, "widgets", "w1", widget{Name: "b"}))

	var got widget
	found, err := s.Get(ctx, "widgets", "w1", &got)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "b", got.Name)
}
