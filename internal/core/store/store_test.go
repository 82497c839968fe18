package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

type job struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Crew     string `json:"crew"`
	Priority int    `json:"priority"`
}

func storesUnderTest(t *testing.T) map[string]Store {
	t.Helper()

	bolt, err := NewBoltStore(filepath.Join(t.TempDir(), "store.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = bolt.Close() })

	return map[string]Store{
		"memory": NewMemoryStore(),
		"bolt":   bolt,
	}
}

func TestStore_CRUD(t *testing.T) {
	ctx := context.Background()

	for name, s := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			doc := job{ID: "j1", Name: "warehouse", Crew: "alpha", Priority: 2}
			require.NoError(t, s.Insert(ctx, "jobs", "j1", doc))

			err := s.Insert(ctx, "jobs", "j1", doc)
			require.ErrorIs(t, err, ErrDuplicateID)

			var got job
			require.NoError(t, s.Get(ctx, "jobs", "j1", &got))
			require.Equal(t, doc, got)

			doc.Crew = "bravo"
			require.NoError(t, s.Update(ctx, "jobs", "j1", doc))
			require.NoError(t, s.Get(ctx, "jobs", "j1", &got))
			require.Equal(t, "bravo", got.Crew)

			require.ErrorIs(t, s.Update(ctx, "jobs", "missing", doc), ErrNotFound)
			require.ErrorIs(t, s.Get(ctx, "jobs", "missing", &got), ErrNotFound)

			require.NoError(t, s.Delete(ctx, "jobs", "j1"))
			require.ErrorIs(t, s.Get(ctx, "jobs", "j1", &got), ErrNotFound)
		})
	}
}

func TestStore_Query(t *testing.T) {
	ctx := context.Background()

	for name, s := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			seed := []job{
				{ID: "j1", Name: "warehouse", Crew: "alpha", Priority: 3},
				{ID: "j2", Name: "retrofit", Crew: "alpha", Priority: 1},
				{ID: "j3", Name: "highrise", Crew: "bravo", Priority: 2},
			}
			for _, j := range seed {
				require.NoError(t, s.Insert(ctx, "jobs", j.ID, j))
			}

			t.Run("filter by field", func(t *testing.T) {
				var got []job
				q := Query{Filters: []Filter{{Field: "crew", Value: "alpha"}}, OrderBy: "priority"}
				require.NoError(t, s.Query(ctx, "jobs", q, &got))
				require.Len(t, got, 2)
				require.Equal(t, "j2", got[0].ID)
				require.Equal(t, "j1", got[1].ID)
			})

			t.Run("order descending with limit", func(t *testing.T) {
				var got []job
				q := Query{OrderBy: "priority", Descending: true, Limit: 2}
				require.NoError(t, s.Query(ctx, "jobs", q, &got))
				require.Len(t, got, 2)
				require.Equal(t, "j1", got[0].ID)
				require.Equal(t, "j3", got[1].ID)
			})

			t.Run("no matches", func(t *testing.T) {
				var got []job
				q := Query{Filters: []Filter{{Field: "crew", Value: "charlie"}}}
				require.NoError(t, s.Query(ctx, "jobs", q, &got))
				require.Empty(t, got)
			})
		})
	}
}

func TestUpsert(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	require.NoError(t, Upsert(ctx, s, "jobs", "j1", job{ID: "j1", Crew: "alpha"}))
	require.NoError(t, Upsert(ctx, s, "jobs", "j1", job{ID: "j1", Crew: "bravo"}))

	var got job
	require.NoError(t, s.Get(ctx, "jobs", "j1", &got))
	require.Equal(t, "bravo", got.Crew)
}
