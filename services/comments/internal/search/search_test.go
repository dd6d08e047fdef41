package search

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)

func doc(id, author, content string, level int, age time.Duration) Document {
	return Document{ID: id, Author: author, Email: author + "@x.com", Content: content, Level: level, Timestamp: t0.Add(-age)}
}

func seeded(t *testing.T) *MemoryEngine {
	t.Helper()
	e := NewMemoryEngine()
	hp := "https://ann.example"
	docs := []Document{
		doc("1", "Ann", "hello world this is long enough", 0, 3*time.Minute),
		doc("2", "Bo", "a reply about the world cup", 1, 2*time.Minute),
		doc("3", "Cy", "nothing relevant in here", 0, time.Minute),
		doc("4", "Hello", "author name matches the query", 0, 4*time.Minute),
	}
	docs[0].Homepage = &hp
	for _, d := range docs {
		require.NoError(t, e.Index(context.Background(), d, d.Timestamp.UnixNano()))
	}
	return e
}

func TestLevenshtein(t *testing.T) {
	assert.Equal(t, 0, levenshtein("world", "world", 2))
	assert.Equal(t, 1, levenshtein("wrld", "world", 2))
	assert.Equal(t, 2, levenshtein("kitten", "sittin", 2))
	assert.Equal(t, 3, levenshtein("abc", "abcdef", 2), "gives up past max")
	assert.Equal(t, 1, levenshtein("привет", "привит", 2))
}

func TestAutoFuzziness(t *testing.T) {
	assert.Equal(t, 0, autoFuzziness("ab"))
	assert.Equal(t, 1, autoFuzziness("hello"))
	assert.Equal(t, 2, autoFuzziness("comment"))
}

func TestSearch_FuzzyWeightedRanking(t *testing.T) {
	e := seeded(t)

	hits, err := e.Search(context.Background(), Query{Text: "helo"})
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "1", hits[0].ID, "content is weighted above author")
	assert.Equal(t, "4", hits[1].ID)
	assert.Greater(t, hits[0].Score, hits[1].Score)
	assert.Equal(t, []string{"<em>hello</em> world this is long enough"}, hits[0].Highlights["content"])
	assert.Equal(t, []string{"<em>Hello</em>"}, hits[1].Highlights["author"])
}

func TestSearch_TieBreakNewestFirst(t *testing.T) {
	e := seeded(t)
	hits, err := e.Search(context.Background(), Query{Text: "world"})
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, hits[0].Score, hits[1].Score)
	assert.Equal(t, "2", hits[0].ID, "equal scores fall back to newest first")
	assert.Equal(t, "1", hits[1].ID)
}

func TestSearch_Filters(t *testing.T) {
	e := seeded(t)
	ctx := context.Background()
	zero := 0

	hits, err := e.Search(ctx, Query{Text: "world", Filters: Filters{Level: &zero}})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "1", hits[0].ID)

	hits, err = e.Search(ctx, Query{Filters: Filters{Author: "Bo"}})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "2", hits[0].ID)

	hits, err = e.Search(ctx, Query{Filters: Filters{Author: "bo"}})
	require.NoError(t, err)
	assert.Empty(t, hits, "author filter is exact")

	hits, err = e.Search(ctx, Query{Filters: Filters{Homepage: "https://ann.example"}})
	require.NoError(t, err)
	require.Len(t, hits, 1)

	hits, err = e.Search(ctx, Query{Text: "zzzzzz"})
	require.NoError(t, err)
	assert.NotNil(t, hits)
	assert.Empty(t, hits)
}

func TestSearch_SingleFieldScope(t *testing.T) {
	e := seeded(t)
	hits, err := e.Search(context.Background(), Query{Text: "hello", Fields: []WeightedField{{Field: FieldContent, Boost: 1}}})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "1", hits[0].ID)
}

func TestVersioning(t *testing.T) {
	e := NewMemoryEngine()
	ctx := context.Background()
	d := doc("1", "Ann", "first version", 0, 0)

	require.NoError(t, e.Index(ctx, d, 10))
	require.NoError(t, e.Index(ctx, d, 10), "same version is an idempotent overwrite")
	d2 := d
	d2.Content = "stale"
	assert.ErrorIs(t, e.Index(ctx, d2, 5), ErrConflict)
	got, _ := e.Get("1")
	assert.Equal(t, "first version", got.Content)

	assert.ErrorIs(t, e.Delete(ctx, "1", 9), ErrConflict)
	require.NoError(t, e.Delete(ctx, "1", 20))
	require.NoError(t, e.Delete(ctx, "1", 20), "deleting a missing doc is fine")
	assert.ErrorIs(t, e.Index(ctx, d, 15), ErrConflict, "tombstone rejects older creates")

	n, err := e.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	require.NoError(t, e.Index(ctx, d, 25))
	n, _ = e.Count(ctx)
	assert.EqualValues(t, 1, n)
}

func TestUpdate_MergesIntoExisting(t *testing.T) {
	e := NewMemoryEngine()
	ctx := context.Background()
	assert.ErrorIs(t, e.Update(ctx, Document{ID: "1", Author: "Ann"}), ErrConflict, "update never creates")

	require.NoError(t, e.Index(ctx, Document{ID: "1", Author: "Ann", Content: "original"}, 10))
	require.NoError(t, e.Update(ctx, Document{ID: "1", Content: "edited"}))
	got, ok := e.Get("1")
	require.True(t, ok)
	assert.Equal(t, "Ann", got.Author)
	assert.Equal(t, "edited", got.Content)

	assert.ErrorIs(t, e.Index(ctx, Document{ID: "1", Content: "older"}, 5), ErrConflict, "update keeps the version")
}

func TestUpdate_DoesNotResurrectDeleted(t *testing.T) {
	e := NewMemoryEngine()
	ctx := context.Background()
	require.NoError(t, e.Index(ctx, Document{ID: "1", Author: "Ann", Content: "original"}, 10))
	require.NoError(t, e.Delete(ctx, "1", 20))

	assert.ErrorIs(t, e.Update(ctx, Document{ID: "1", Content: "edited"}), ErrConflict)
	_, ok := e.Get("1")
	assert.False(t, ok)
}

func TestBulk_PartialConflicts(t *testing.T) {
	e := NewMemoryEngine()
	ctx := context.Background()
	require.NoError(t, e.Index(ctx, doc("b", "B", "newer", 0, 0), 100))

	res, err := e.BulkIndex(ctx, []Document{doc("a", "A", "one", 0, 0), doc("b", "B", "older", 0, 0), doc("c", "C", "three", 0, 0)}, 50)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Succeeded)
	assert.Equal(t, 1, res.Conflicts)
	assert.Empty(t, res.Failed)

	res, err = e.BulkDelete(ctx, []string{"a", "missing"}, 60)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Succeeded)

	var ids []string
	require.NoError(t, e.IDs(ctx, func(page []string) error {
		ids = append(ids, page...)
		return nil
	}))
	assert.Equal(t, []string{"b", "c"}, ids)
}

func TestSuggest(t *testing.T) {
	e := seeded(t)
	ctx := context.Background()

	got, err := e.Suggest(ctx, "he", 5)
	require.NoError(t, err)
	assert.Equal(t, []string{"Hello", "here", "hello"}, got, "authors first, then content words newest first")

	got, err = e.Suggest(ctx, "", 5)
	require.NoError(t, err)
	assert.Empty(t, got)

	assert.Equal(t, []string{"a", "b"}, MergeSuggestions(2, []string{"a", "a"}, []string{"b", "c"}))
}

func TestUnavailable(t *testing.T) {
	e := seeded(t)
	e.SetUnavailable(true)
	ctx := context.Background()

	_, err := e.Search(ctx, Query{Text: "hello"})
	assert.ErrorIs(t, err, ErrUnavailable)
	_, err = e.Suggest(ctx, "he", 5)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.ErrorIs(t, e.Ping(ctx), ErrUnavailable)

	e.SetUnavailable(false)
	assert.NoError(t, e.Ping(ctx))
}

func TestTombstones_PrunedAfterRetention(t *testing.T) {
	ctx := context.Background()
	now := t0
	e := NewMemoryEngine(WithTombstoneRetention(time.Minute), WithMemoryClock(func() time.Time { return now }))

	require.NoError(t, e.Delete(ctx, "old", 10))
	assert.ErrorIs(t, e.Index(ctx, Document{ID: "old"}, 5), ErrConflict, "late write inside the window")

	now = now.Add(2 * time.Minute)
	require.NoError(t, e.Delete(ctx, "recent", 10))
	assert.Equal(t, 1, e.Tombstones())
	assert.ErrorIs(t, e.Index(ctx, Document{ID: "recent"}, 5), ErrConflict)

	// a sweep runs at most once per half window
	now = now.Add(10 * time.Second)
	require.NoError(t, e.Delete(ctx, "another", 10))
	assert.Equal(t, 2, e.Tombstones())
}
