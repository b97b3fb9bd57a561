package harvest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lingenhag/rrp/internal/domain"
	"github.com/lingenhag/rrp/internal/news/sources"
)

type fakeSource struct {
	name string
	docs []sources.Document
	err  error
}

func (f fakeSource) Name() string { return f.name }
func (f fakeSource) FetchDocuments(context.Context, sources.Criteria) ([]sources.Document, error) {
	return f.docs, f.err
}

type fakeNewsRepo struct {
	saved      []domain.URLHarvest
	duplicates map[string]bool
	failURLs   map[string]bool
	nextID     int64
}

func (f *fakeNewsRepo) SaveURLHarvest(_ context.Context, h domain.URLHarvest) (int64, bool, error) {
	if f.failURLs[h.URL] {
		return 0, false, errors.New("boom")
	}
	if f.duplicates[h.URL] {
		return 0, true, nil
	}
	f.nextID++
	f.saved = append(f.saved, h)
	return f.nextID, false, nil
}

func (f *fakeNewsRepo) FetchURLHarvestBatch(context.Context, string, int, *time.Time) ([]domain.URLHarvest, error) {
	return nil, nil
}
func (f *fakeNewsRepo) DeleteURLHarvest(context.Context, int64) error { return nil }
func (f *fakeNewsRepo) SaveRejection(context.Context, domain.Rejection) (int64, error) {
	return 0, nil
}

type policyCall struct {
	dom    string
	stored bool
}

type fakePolicy struct {
	blocked map[string]bool
	calls   []policyCall
}

func (f *fakePolicy) IsAllowed(_ context.Context, _ string, dom string) bool {
	return !f.blocked[dom]
}
func (f *fakePolicy) SetPolicy(context.Context, string, string, bool) error { return nil }
func (f *fakePolicy) RecordHarvest(_ context.Context, _ string, dom string, stored bool) {
	f.calls = append(f.calls, policyCall{dom: dom, stored: stored})
}
func (f *fakePolicy) RecordLLMDecision(context.Context, string, string, bool) {}

func criteria() sources.Criteria {
	return sources.Criteria{
		AssetSymbol: "BTC",
		Start:       time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		End:         time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC),
		Limit:       100,
	}
}

func TestIsValidNewsURL(t *testing.T) {
	assert.True(t, IsValidNewsURL("https://example.com/a"))
	assert.True(t, IsValidNewsURL("http://example.com/a"))
	assert.False(t, IsValidNewsURL("ftp://example.com/a"))
	assert.False(t, IsValidNewsURL(""))
	assert.False(t, IsValidNewsURL("https://example.com/pic.JPG"))
	assert.False(t, IsValidNewsURL("https://example.com/doc.pdf?utm=1"))
	assert.True(t, IsValidNewsURL("https://example.com/story?img=x.png"))
}

func TestPickFieldsPriority(t *testing.T) {
	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	doc := sources.Document{
		"og_url":       "https://example.com/canonical",
		"url":          "https://example.com/other",
		"name":         "Fallback name",
		"source_name":  "Example News",
		"published_at": "2024-02-29T12:00:00Z",
	}

	h := PickFields(doc, "BTC", now)

	assert.Equal(t, "https://example.com/canonical", h.URL)
	require.NotNil(t, h.Title)
	assert.Equal(t, "Fallback name", *h.Title)
	assert.Equal(t, "Example News", h.Source)
	require.NotNil(t, h.PublishedAt)
	assert.Equal(t, time.Date(2024, 2, 29, 12, 0, 0, 0, time.UTC), *h.PublishedAt)
	assert.Equal(t, now, h.DiscoveredAt)
}

func TestPickFieldsNaiveTimestampIsUTC(t *testing.T) {
	doc := sources.Document{
		"url":      "https://example.com/a",
		"pub_date": "2024-02-29T12:00:00",
	}
	h := PickFields(doc, "BTC", time.Now())
	require.NotNil(t, h.PublishedAt)
	assert.Equal(t, time.Date(2024, 2, 29, 12, 0, 0, 0, time.UTC), *h.PublishedAt)
}

func TestRunCounters(t *testing.T) {
	src := fakeSource{name: "gdelt", docs: []sources.Document{
		{"url": "https://a.example/1", "source": "gdelt"},
		{"url": "https://a.example/2", "source": "gdelt"},
		{"url": "https://a.example/dup", "source": "gdelt"},
		{"url": "not-a-url"},
		{"url": "https://a.example/fail", "source": "gdelt"},
	}}
	repo := &fakeNewsRepo{
		duplicates: map[string]bool{"https://a.example/dup": true},
		failURLs:   map[string]bool{"https://a.example/fail": true},
	}
	pol := &fakePolicy{}
	o := New([]sources.Source{src}, repo, pol, false, nil)

	sum, err := o.Run(context.Background(), criteria())
	require.NoError(t, err)

	assert.Equal(t, 5, sum.TotalDocs)
	assert.Equal(t, 4, sum.AfterAssemble, "invalid url never assembles")
	assert.Equal(t, 3, sum.AfterDedupe, "persistence failure does not enter dedupe count")
	assert.Equal(t, 2, sum.Saved)
	assert.Equal(t, 1, sum.SkippedDuplicates)
	assert.Equal(t, 2, sum.RejectedInvalid, "invalid url + persistence failure")

	// record_harvest fires exactly once per attempt with a host.
	assert.Len(t, pol.calls, 4)
	storedCount := 0
	for _, c := range pol.calls {
		if c.stored {
			storedCount++
		}
	}
	assert.Equal(t, 2, storedCount)
}

func TestRunEnforcedDomainFilterBlocks(t *testing.T) {
	src := fakeSource{name: "gdelt", docs: []sources.Document{
		{"url": "https://blocked.example/x"},
		{"url": "https://ok.example/y"},
	}}
	repo := &fakeNewsRepo{}
	pol := &fakePolicy{blocked: map[string]bool{"blocked.example": true}}
	o := New([]sources.Source{src}, repo, pol, true, nil)

	sum, err := o.Run(context.Background(), criteria())
	require.NoError(t, err)

	assert.Equal(t, 1, sum.Saved)
	assert.Equal(t, 1, sum.RejectedInvalid)
	assert.Equal(t, 1, sum.AfterAssemble)
}

func TestRunFailingSourceIsDropped(t *testing.T) {
	bad := fakeSource{name: "gdelt", err: errors.New("upstream down")}
	good := fakeSource{name: "google_rss", docs: []sources.Document{
		{"url": "https://ok.example/1"},
	}}
	repo := &fakeNewsRepo{}
	o := New([]sources.Source{bad, good}, repo, nil, false, nil)

	sum, err := o.Run(context.Background(), criteria())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.TotalDocs)
	assert.Equal(t, 1, sum.Saved)
}
