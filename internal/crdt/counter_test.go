package crdt

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"regionsync/internal/domain"
)

func mapOneToSeven(id domain.RegionID) (domain.RegionID, error) {
	if id == 1 {
		return 7, nil
	}
	return domain.RegionIDUnknown, fmt.Errorf("no mapping for %d", id)
}

func TestMergeTranslatedPreservesSign(t *testing.T) {
	src := Counter{1: 5, -1: 2}
	dst := Counter{}
	require.NoError(t, dst.MergeTranslated(src, mapOneToSeven))
	require.Equal(t, Counter{7: 5, -7: 2}, dst)
	require.Equal(t, int64(3), dst.Value())
}

func TestMergeTranslatedAbortsWholeCounter(t *testing.T) {
	src := Counter{1: 5, 2: 4}
	dst := Counter{9: 1}
	err := dst.MergeTranslated(src, mapOneToSeven)
	require.ErrorIs(t, err, ErrUntranslatable)
	require.Equal(t, Counter{9: 1}, dst, "failed merge must not partially apply")
}

func TestMergeTranslatedRejectsSentinelTarget(t *testing.T) {
	dst := Counter{}
	err := dst.MergeTranslated(Counter{3: 1}, func(domain.RegionID) (domain.RegionID, error) {
		return domain.RegionIDNull, nil
	})
	require.True(t, errors.Is(err, ErrUntranslatable))
}

func TestJoinKeepsMax(t *testing.T) {
	c := Counter{2: 10, -2: 1}
	c.Join(Counter{2: 7, -2: 4, 3: 2})
	require.Equal(t, Counter{2: 10, -2: 4, 3: 2}, c)
}

func TestEntriesRoundTrip(t *testing.T) {
	c := Counter{4: 12, -4: 3}
	back, err := FromEntries(c.Entries())
	require.NoError(t, err)
	require.True(t, c.Equal(back))

	_, err = FromEntries(map[string]int64{"0": 1})
	require.Error(t, err)
	_, err = FromEntries(map[string]int64{"x": 1})
	require.Error(t, err)
}

func TestMarshalJSONIsValue(t *testing.T) {
	b, err := Counter{1: 5, -1: 2}.MarshalJSON()
	require.NoError(t, err)
	require.Equal(t, "3", string(b))
}

func TestExtractAndInstall(t *testing.T) {
	fields := map[string]any{
		"hits": Counter{1: 3},
		"doc": map[string]any{
			"stats": map[string]any{"likes": Counter{2: 1}},
			"list":  []any{"x", Counter{1: 9}},
		},
	}
	got := Extract(fields)
	require.Len(t, got, 3)
	require.Equal(t, Counter{2: 1}, got["doc.stats.likes"])
	require.Equal(t, Counter{1: 9}, got["doc.list.1"])

	plain := map[string]any{"doc": map[string]any{"stats": map[string]any{"likes": 1.0}, "list": []any{"x", 9.0}}}
	require.NoError(t, Install(plain, got))
	v, ok := Get(plain, "doc.stats.likes")
	require.True(t, ok)
	require.Equal(t, Counter{2: 1}, v)
	require.Equal(t, Counter{1: 3}, plain["hits"])
}

func TestSetIntoMissingSliceIndexFails(t *testing.T) {
	doc := map[string]any{"list": []any{}}
	require.Error(t, Set(doc, "list.0", Counter{}))
}
