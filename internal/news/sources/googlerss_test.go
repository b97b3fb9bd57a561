package sources

import (
	"context"
	"encoding/xml"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lingenhag/rrp/internal/news/query"
)

func TestParsePubDate(t *testing.T) {
	got := parsePubDate("Sat, 01 Mar 2025 09:30:00 GMT")
	require.NotNil(t, got)
	assert.Equal(t, time.Date(2025, 3, 1, 9, 30, 0, 0, time.UTC), *got)

	got = parsePubDate("Sat, 01 Mar 2025 10:30:00 +0100")
	require.NotNil(t, got)
	assert.Equal(t, time.Date(2025, 3, 1, 9, 30, 0, 0, time.UTC), *got, "offsets normalize to UTC")

	assert.Nil(t, parsePubDate(""))
	assert.Nil(t, parsePubDate("yesterday-ish"))
}

func TestWithinRangeKeepsUndatedItems(t *testing.T) {
	start := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 0, 1)

	assert.True(t, withinRange(nil, start, end))

	inside := start.Add(6 * time.Hour)
	assert.True(t, withinRange(&inside, start, end))

	before := start.Add(-time.Minute)
	assert.False(t, withinRange(&before, start, end))
}

func TestRSSFeedDecoding(t *testing.T) {
	payload := `<?xml version="1.0"?>
<rss version="2.0">
  <channel>
    <item>
      <title>Bitcoin klettert nach ETF-Zuflüssen</title>
      <link>https://news.google.com/rss/articles/abc123</link>
      <pubDate>Sat, 01 Mar 2025 09:30:00 GMT</pubDate>
      <source url="https://coindesk.com">CoinDesk</source>
    </item>
  </channel>
</rss>`

	var feed rssFeed
	require.NoError(t, xml.Unmarshal([]byte(payload), &feed))
	require.Len(t, feed.Channel.Items, 1)

	item := feed.Channel.Items[0]
	assert.Equal(t, "Bitcoin klettert nach ETF-Zuflüssen", item.Title)
	assert.Equal(t, "https://news.google.com/rss/articles/abc123", item.Link)
	assert.Equal(t, "CoinDesk", item.Source.Name)
	assert.Equal(t, "https://coindesk.com", item.Source.URL)
}

func TestResolveLinksPassthroughWithoutResolver(t *testing.T) {
	builder := query.NewBuilder(query.NullRegistry{}, nil, nil)
	g := NewGoogleRSS(5*time.Second, "en-US", "US", "US:en", true, 4, builder, nil, nil)

	links := []string{"https://a.example", "https://b.example"}
	out := g.resolveLinks(context.Background(), links)
	assert.Equal(t, links, out, "order and values survive when no resolver is wired")
}
