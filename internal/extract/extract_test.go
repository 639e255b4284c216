package extract

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/PuerkitoBio/goquery"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/guqu-crawler/internal/crawler"
)

func loadFixture(t *testing.T, name string) *goquery.Document {
	t.Helper()
	raw, err := os.ReadFile(filepath.Join("testdata", name))
	require.NoError(t, err)
	doc, err := Parse(string(raw))
	require.NoError(t, err)
	return doc
}

func mustParse(t *testing.T, text string) *goquery.Document {
	t.Helper()
	doc, err := Parse(text)
	require.NoError(t, err)
	return doc
}

func TestHome(t *testing.T) {
	t.Parallel()

	base, err := url.Parse("http://music.guqu.net/")
	require.NoError(t, err)

	got := Home(loadFixture(t, "home.html"), base)
	require.Equal(t, []crawler.Category{
		{Index: 0, Name: "古筝曲", SourceURL: "http://music.guqu.net/gzq/"},
		{Index: 1, Name: "古琴曲", SourceURL: "http://music.guqu.net/gqq/"},
		{Index: 2, Name: "流行曲", SourceURL: "http://music.guqu.net/lxq/"},
	}, got)
}

func TestHomeWithoutMarker(t *testing.T) {
	t.Parallel()

	require.Empty(t, Home(mustParse(t, "<html><body><a href='/x'>x</a></body></html>"), nil))
}

func TestPagination(t *testing.T) {
	t.Parallel()

	total, size, err := Pagination(loadFixture(t, "listing.html"))
	require.NoError(t, err)
	require.Equal(t, 25, total)
	require.Equal(t, 10, size)
}

func TestPaginationMismatch(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		html string
	}{
		{name: "missing labels", html: `<div class="showpage"></div>`},
		{name: "single label", html: `<div class="showpage"><b>25</b></div>`},
		{name: "non numeric total", html: `<div class="showpage"><b>许多</b><b>10</b></div>`},
		{name: "non numeric size", html: `<div class="showpage"><b>25</b><b></b></div>`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, _, err := Pagination(mustParse(t, tc.html))
			require.ErrorIs(t, err, crawler.ErrExtractionMismatch)
			require.True(t, crawler.IsPermanent(err))
		})
	}
}

func TestPaginationZeroSizeIsNotAnExtractionError(t *testing.T) {
	t.Parallel()

	total, size, err := Pagination(mustParse(t, `<div class="showpage"><b>25</b><b>0</b></div>`))
	require.NoError(t, err)
	require.Equal(t, 25, total)
	require.Zero(t, size)
}

func TestListing(t *testing.T) {
	t.Parallel()

	lc := ListingContext{CategoryIndex: 1, CategoryName: "古筝曲", PageIndex: 2}
	got := Listing(loadFixture(t, "listing.html"), lc)

	require.Equal(t, []crawler.MusicItem{
		{
			LocalIndex: 0, ExternalID: "4821", Name: "渔舟唱晚", Title: "渔舟唱晚 古筝独奏", Author: "娄树华",
			CategoryIndex: 1, CategoryName: "古筝曲", PageIndex: 2,
		},
		{
			LocalIndex: 1, ExternalID: "4822", Name: "高山流水", Title: "高山流水", Author: "佚名",
			CategoryIndex: 1, CategoryName: "古筝曲", PageIndex: 2,
		},
		{
			LocalIndex: 2, ExternalID: "4823", Name: "出水莲", Title: "出水莲 （客家筝曲）", Author: "罗九香",
			CategoryIndex: 1, CategoryName: "古筝曲", PageIndex: 2,
		},
	}, got)
}

func TestListingExcludesOnlyHeaderRow(t *testing.T) {
	t.Parallel()

	for _, k := range []int{1, 2, 16} {
		var b strings.Builder
		b.WriteString(`<div class="pub"><div class="c628"><ul class="c628title"><div>曲名</div><span>作者</span></ul>`)
		for i := 1; i < k; i++ {
			fmt.Fprintf(&b, `<ul><div><a href="/gqq/%d.html">曲%d 附注</a></div><span>作者%d</span></ul>`, 100+i, i, i)
		}
		b.WriteString(`</div></div>`)

		items := Listing(mustParse(t, b.String()), ListingContext{})
		require.Len(t, items, k-1, "rows %d", k)
		for i, it := range items {
			require.NotEmpty(t, it.ExternalID)
			require.NotEmpty(t, it.Author)
			require.Equal(t, i, it.LocalIndex)
			require.Equal(t, fmt.Sprintf("曲%d", i+1), it.Name)
		}
	}
}

func TestDetail(t *testing.T) {
	t.Parallel()

	got, err := Detail(loadFixture(t, "detail.html"))
	require.NoError(t, err)
	require.Equal(t, "http://media.guqu.net/gzq/4821.wma", got)
}

func TestDetailMissingResource(t *testing.T) {
	t.Parallel()

	_, err := Detail(loadFixture(t, "detail_missing.html"))
	require.ErrorIs(t, err, crawler.ErrMissingResource)
	require.ErrorIs(t, err, crawler.ErrExtractionMismatch)

	_, err = Detail(mustParse(t, `<object id="MediaPlayer1"><param name="URL" value="   "></object>`))
	require.ErrorIs(t, err, crawler.ErrMissingResource)
}
