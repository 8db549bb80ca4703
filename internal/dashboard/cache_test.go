package dashboard

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeFetcher struct {
	calls     int32
	responses [][]Component
	err       error
}

func (f *fakeFetcher) FetchComponents(ctx context.Context) ([]Component, error) {
	n := atomic.AddInt32(&f.calls, 1)
	if f.err != nil {
		return nil, f.err
	}
	idx := int(n) - 1
	if idx >= len(f.responses) {
		idx = len(f.responses) - 1
	}
	return f.responses[idx], nil
}

// TestLookup_SubsetAttributeMatch verifies a descriptor whose attributes are
// a subset of a cached component's attributes resolves to that component.
func TestLookup_SubsetAttributeMatch(t *testing.T) {
	fetcher := &fakeFetcher{responses: [][]Component{
		{
			{
				ID:   218,
				Name: "Object Storage Service",
				Attributes: []Attribute{
					{Name: "category", Value: "Storage"},
					{Name: "region", Value: "EU-DE"},
				},
			},
		},
	}}

	cache, err := Build(context.Background(), fetcher, discardLogger())
	require.NoError(t, err)

	id, err := cache.Lookup(context.Background(), Descriptor{
		Name:       "Object Storage Service",
		Attributes: []Attribute{{Name: "region", Value: "EU-DE"}},
	})
	require.NoError(t, err)
	assert.Equal(t, uint32(218), id)
}

func TestLookup_ReflexiveExactMatch(t *testing.T) {
	attrs := []Attribute{{Name: "region", Value: "EU-DE"}}
	fetcher := &fakeFetcher{responses: [][]Component{
		{{ID: 1, Name: "svc", Attributes: attrs}},
	}}

	cache, err := Build(context.Background(), fetcher, discardLogger())
	require.NoError(t, err)

	id, err := cache.Lookup(context.Background(), Descriptor{Name: "svc", Attributes: attrs})
	require.NoError(t, err)
	assert.Equal(t, uint32(1), id)
}

func TestLookup_MostSpecificTieBreak(t *testing.T) {
	fetcher := &fakeFetcher{responses: [][]Component{
		{
			{ID: 2, Name: "svc", Attributes: []Attribute{{Name: "region", Value: "EU-DE"}, {Name: "tier", Value: "gold"}}},
			{ID: 1, Name: "svc", Attributes: []Attribute{{Name: "region", Value: "EU-DE"}}},
		},
	}}

	cache, err := Build(context.Background(), fetcher, discardLogger())
	require.NoError(t, err)

	id, err := cache.Lookup(context.Background(), Descriptor{Name: "svc", Attributes: []Attribute{{Name: "region", Value: "EU-DE"}}})
	require.NoError(t, err)
	assert.Equal(t, uint32(1), id, "entry with fewer extra attributes should win")
}

func TestLookup_MissTriggersRefreshThenFound(t *testing.T) {
	fetcher := &fakeFetcher{responses: [][]Component{
		{},
		{{ID: 5, Name: "svc", Attributes: nil}},
	}}

	cache, err := Build(context.Background(), fetcher, discardLogger())
	require.NoError(t, err)

	id, err := cache.Lookup(context.Background(), Descriptor{Name: "svc"})
	require.NoError(t, err)
	assert.Equal(t, uint32(5), id)
	assert.Equal(t, int32(2), atomic.LoadInt32(&fetcher.calls))
}

func TestLookup_StillMissingAfterRefreshReturnsNotFound(t *testing.T) {
	fetcher := &fakeFetcher{responses: [][]Component{{}, {}}}

	cache, err := Build(context.Background(), fetcher, discardLogger())
	require.NoError(t, err)

	_, err = cache.Lookup(context.Background(), Descriptor{Name: "missing"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestBuild_FailsAfterRetriesExhausted(t *testing.T) {
	fetcher := &fakeFetcher{err: errors.New("dashboard unreachable")}

	backoff := retry.WithMaxRetries(2, retry.NewConstant(time.Millisecond))
	_, err := build(context.Background(), fetcher, discardLogger(), backoff)
	assert.Error(t, err)
	assert.Equal(t, int32(3), atomic.LoadInt32(&fetcher.calls))
}
