package summarize

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lingenhag/rrp/internal/domain"
	"github.com/lingenhag/rrp/internal/llm/clients"
	"github.com/lingenhag/rrp/internal/llm/ensemble"
)

type scriptedClient struct {
	model   string
	verdict func(url string) (clients.Result, error)
}

func (s scriptedClient) Model() string { return s.model }
func (s scriptedClient) SummarizeAndScore(_ context.Context, req clients.Request) (clients.Result, error) {
	return s.verdict(req.URL)
}

type memNewsRepo struct {
	mu      sync.Mutex
	batch   []domain.URLHarvest
	deleted []int64
	delErr  map[int64]error
}

func (r *memNewsRepo) SaveURLHarvest(context.Context, domain.URLHarvest) (int64, bool, error) {
	return 0, false, errors.New("not used")
}

func (r *memNewsRepo) FetchURLHarvestBatch(_ context.Context, _ string, limit int, _ *time.Time) ([]domain.URLHarvest, error) {
	if limit > 0 && limit < len(r.batch) {
		return r.batch[:limit], nil
	}
	return r.batch, nil
}

func (r *memNewsRepo) DeleteURLHarvest(_ context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err, ok := r.delErr[id]; ok {
		return err
	}
	r.deleted = append(r.deleted, id)
	return nil
}

func (r *memNewsRepo) SaveRejection(context.Context, domain.Rejection) (int64, error) {
	return 0, errors.New("not used")
}

type memLLMRepo struct {
	mu         sync.Mutex
	articles   []domain.SummarizedArticle
	rejections []domain.Rejection
	votes      []domain.LLMVote
	summaryErr error
	voteErr    error
	nextID     int64
}

func (r *memLLMRepo) SaveSummary(_ context.Context, a domain.SummarizedArticle) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.summaryErr != nil {
		return 0, r.summaryErr
	}
	r.nextID++
	a.ID = r.nextID
	r.articles = append(r.articles, a)
	return a.ID, nil
}

func (r *memLLMRepo) SaveRejection(_ context.Context, rej domain.Rejection) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	r.rejections = append(r.rejections, rej)
	return r.nextID, nil
}

func (r *memLLMRepo) SaveVote(_ context.Context, v domain.LLMVote) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.voteErr != nil {
		return 0, r.voteErr
	}
	r.nextID++
	r.votes = append(r.votes, v)
	return r.nextID, nil
}

func (r *memLLMRepo) FetchVotes(context.Context, string, time.Time) ([]domain.LLMVote, error) {
	return nil, errors.New("not used")
}

type countingPolicy struct {
	mu       sync.Mutex
	accepted int
	rejected int
}

func (p *countingPolicy) IsAllowed(context.Context, string, string) bool        { return true }
func (p *countingPolicy) SetPolicy(context.Context, string, string, bool) error { return nil }
func (p *countingPolicy) RecordHarvest(context.Context, string, string, bool)   {}
func (p *countingPolicy) RecordLLMDecision(_ context.Context, _, _ string, relevant bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if relevant {
		p.accepted++
	} else {
		p.rejected++
	}
}

func harvestRow(id int64, url string) domain.URLHarvest {
	return domain.URLHarvest{
		ID:           id,
		URL:          url,
		AssetSymbol:  "BTC",
		Source:       "gdelt",
		DiscoveredAt: time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC),
	}
}

// alwaysRelevant answers relevant with a fixed sentiment for every URL.
func alwaysRelevant(model string, sentiment float64) scriptedClient {
	return scriptedClient{model: model, verdict: func(string) (clients.Result, error) {
		rel, s := true, sentiment
		return clients.Result{Relevance: &rel, Sentiment: &s, Summary: "relevant piece"}, nil
	}}
}

func alwaysIrrelevant(model string) scriptedClient {
	return scriptedClient{model: model, verdict: func(string) (clients.Result, error) {
		rel := false
		return clients.Result{Relevance: &rel, Summary: "off topic"}, nil
	}}
}

func TestProcessBatchSavesRelevantCandidate(t *testing.T) {
	news := &memNewsRepo{batch: []domain.URLHarvest{harvestRow(1, "https://news.example/a")}}
	llm := &memLLMRepo{}
	policy := &countingPolicy{}
	uc := New(ensemble.New(alwaysRelevant("m1", 0.4), alwaysRelevant("m2", 0.6)), news, llm, policy, nil)

	res, err := uc.ProcessBatch(context.Background(), Params{AssetSymbol: "BTC", Limit: 10})
	require.NoError(t, err)

	assert.Equal(t, Result{Processed: 1, Saved: 1, DeletedFromHarvest: 1}, res)
	require.Len(t, llm.articles, 1)
	a := llm.articles[0]
	assert.Equal(t, "ensemble[m1,m2]", a.Model)
	require.NotNil(t, a.Sentiment)
	assert.Equal(t, 0.5, *a.Sentiment)
	assert.Equal(t, "relevant piece", a.Summary)
	// published falls back to discovered_at when the source gave no date
	assert.Equal(t, time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC), a.PublishedAt)

	require.Len(t, llm.votes, 2)
	for _, v := range llm.votes {
		require.NotNil(t, v.ArticleID)
		assert.Equal(t, int64(1), *v.ArticleID)
		assert.Empty(t, v.URL, "votes link via article id when one exists")
		require.NotNil(t, v.HarvestID)
		assert.Equal(t, int64(1), *v.HarvestID)
	}
	assert.Equal(t, []int64{1}, news.deleted)
	assert.Equal(t, 1, policy.accepted)
}

func TestProcessBatchRejectsIrrelevantCandidate(t *testing.T) {
	news := &memNewsRepo{batch: []domain.URLHarvest{harvestRow(7, "https://news.example/b")}}
	llm := &memLLMRepo{}
	policy := &countingPolicy{}
	uc := New(ensemble.New(alwaysIrrelevant("m1")), news, llm, policy, nil)

	res, err := uc.ProcessBatch(context.Background(), Params{AssetSymbol: "BTC", Limit: 10})
	require.NoError(t, err)

	assert.Equal(t, Result{Processed: 1, RejectedIrrelevant: 1, DeletedFromHarvest: 1}, res)
	require.Len(t, llm.rejections, 1)
	rej := llm.rejections[0]
	assert.Equal(t, "no_asset_relation", rej.Reason)
	assert.Equal(t, "summarize", rej.Context)
	require.NotNil(t, rej.DetailsJSON)
	assert.Contains(t, *rej.DetailsJSON, `"model":"m1"`)

	require.Len(t, llm.votes, 1)
	assert.Nil(t, llm.votes[0].ArticleID)
	assert.Equal(t, "https://news.example/b", llm.votes[0].URL)
	assert.Equal(t, 1, policy.rejected)
}

func TestPersistenceFailureLeavesRowForRetry(t *testing.T) {
	news := &memNewsRepo{batch: []domain.URLHarvest{harvestRow(3, "https://news.example/c")}}
	llm := &memLLMRepo{summaryErr: errors.New("disk full")}
	uc := New(ensemble.New(alwaysRelevant("m1", 0.1)), news, llm, nil, nil)

	res, err := uc.ProcessBatch(context.Background(), Params{AssetSymbol: "BTC", Limit: 10})
	require.NoError(t, err)

	assert.Equal(t, Result{Errors: 1}, res, "failed persistence counts only as error")
	assert.Empty(t, news.deleted, "inbox row stays for retry")
	assert.Empty(t, llm.votes)
}

func TestVoteFailureLeavesRowForRetry(t *testing.T) {
	news := &memNewsRepo{batch: []domain.URLHarvest{harvestRow(4, "https://news.example/d")}}
	llm := &memLLMRepo{voteErr: errors.New("constraint")}
	uc := New(ensemble.New(alwaysRelevant("m1", 0.1)), news, llm, nil, nil)

	res, err := uc.ProcessBatch(context.Background(), Params{AssetSymbol: "BTC", Limit: 10})
	require.NoError(t, err)

	assert.Equal(t, 1, res.Errors)
	assert.Equal(t, 0, res.DeletedFromHarvest)
	assert.Empty(t, news.deleted)
}

func TestDryRunSkipsWritesButCounts(t *testing.T) {
	news := &memNewsRepo{batch: []domain.URLHarvest{
		harvestRow(1, "https://news.example/a"),
		harvestRow(2, "https://news.example/b"),
	}}
	llm := &memLLMRepo{}
	uc := New(ensemble.New(alwaysRelevant("m1", 0.2)), news, llm, nil, nil)

	res, err := uc.ProcessBatch(context.Background(), Params{AssetSymbol: "BTC", Limit: 10, DryRun: true})
	require.NoError(t, err)

	assert.Equal(t, Result{Processed: 2, Saved: 2, DeletedFromHarvest: 2}, res)
	assert.Empty(t, llm.articles)
	assert.Empty(t, llm.votes)
	assert.Empty(t, news.deleted)
}

func TestProcessBatchParallelCountersMatchSequential(t *testing.T) {
	batch := make([]domain.URLHarvest, 0, 6)
	for i := int64(1); i <= 6; i++ {
		batch = append(batch, harvestRow(i, "https://news.example/p"+string(rune('a'+i))))
	}
	news := &memNewsRepo{batch: batch}
	llm := &memLLMRepo{}

	// Odd ids are relevant, even ids are not.
	rel := scriptedClient{model: "m1", verdict: func(url string) (clients.Result, error) {
		r := url[len(url)-1]%2 == 0
		s := 0.3
		return clients.Result{Relevance: &r, Sentiment: &s, Summary: "take"}, nil
	}}
	uc := New(ensemble.New(rel), news, llm, nil, nil)

	res, err := uc.ProcessBatchParallel(context.Background(), Params{
		AssetSymbol:   "BTC",
		Limit:         10,
		Workers:       3,
		RatePerMinute: 100000,
	})
	require.NoError(t, err)

	assert.Equal(t, 6, res.Processed)
	assert.Equal(t, res.Saved+res.RejectedIrrelevant, res.Processed)
	assert.Equal(t, 6, res.DeletedFromHarvest)
	assert.Equal(t, 0, res.Errors)
	assert.Len(t, news.deleted, 6)
}

func TestEmptyBatchIsNoop(t *testing.T) {
	uc := New(ensemble.New(alwaysRelevant("m1", 0)), &memNewsRepo{}, &memLLMRepo{}, nil, nil)

	res, err := uc.ProcessBatch(context.Background(), Params{AssetSymbol: "BTC", Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, Result{}, res)
}
