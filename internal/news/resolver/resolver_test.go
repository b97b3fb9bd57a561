package resolver

import (
	"context"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolvePassthroughForPublisherURLs(t *testing.T) {
	r := New(time.Second, nil, nil, nil)

	raw := "https://coindesk.com/markets/2025/03/01/bitcoin-etf"
	assert.Equal(t, raw, r.Resolve(context.Background(), raw))
	assert.Empty(t, r.Resolve(context.Background(), ""))
}

func TestResolveConsentExtractsContinueTarget(t *testing.T) {
	r := New(time.Second, nil, nil, nil)

	target := "https://publisher.example/story?id=7"
	raw := "https://consent.google.com/m?continue=" + url.QueryEscape(target)
	assert.Equal(t, target, r.Resolve(context.Background(), raw))
}

func TestResolveConsentWithoutContinueFailsSoftly(t *testing.T) {
	r := New(time.Second, nil, nil, nil)
	assert.Empty(t, r.Resolve(context.Background(), "https://consent.google.com/m?pc=n"))
}

func TestResolveInterstitialWithoutHeadless(t *testing.T) {
	r := New(time.Second, nil, nil, nil)
	assert.Empty(t, r.Resolve(context.Background(), "https://www.google.com/sorry/index?continue=x"))
}

func TestResolveInterstitialDelegatesToHeadless(t *testing.T) {
	var seen string
	headless := func(ctx context.Context, u string) (string, error) {
		seen = u
		return "https://publisher.example/final", nil
	}
	r := New(time.Second, headless, nil, nil)

	got := r.Resolve(context.Background(), "https://www.google.com/sorry/index")
	require.Equal(t, "https://publisher.example/final", got)
	assert.Contains(t, seen, "hl=en-US", "US locale params are appended for the headless pass")
}

func TestIsInterstitial(t *testing.T) {
	assert.True(t, isInterstitial("https://www.google.com/sorry/index?continue=abc"))
	assert.True(t, isInterstitial("https://www.google.com/x?continue="+url.QueryEscape("https://news.google.com/rss/articles/a")))
	assert.False(t, isInterstitial("https://news.example/sorry-not-sorry"))
	assert.False(t, isInterstitial("https://www.google.com/search?q=x"))
}
