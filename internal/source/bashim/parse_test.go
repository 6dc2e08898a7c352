package bashim

import (
	"errors"
	"net/url"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"quotebot/internal/quote"
)

func mustBase(t *testing.T) *url.URL {
	t.Helper()
	u, err := url.Parse("https://quotes.example")
	require.NoError(t, err)
	return u
}

func TestParsePageListing(t *testing.T) {
	t.Parallel()
	body, err := os.ReadFile("testdata/listing.html")
	require.NoError(t, err)

	qs, err := ParsePage(body, mustBase(t))
	require.NoError(t, err)
	require.Len(t, qs, 2, "the ad block has no id and must be skipped")

	first := qs[0]
	require.Equal(t, int64(101), first.ID)
	require.Equal(t, "xxx: hello\nyyy: <b>hi</b>", first.Text)
	require.Equal(t, "19.10.2026 в 22:00", first.Date)
	require.Equal(t, "https://quotes.example/quote/101", first.URL)
	require.Equal(t, []quote.Asset{
		{URL: "https://quotes.example/img/strips/101-a.jpg"},
		{URL: "https://quotes.example/img/strips/101-b.jpg"},
	}, first.Assets)

	second := qs[1]
	require.Equal(t, int64(102), second.ID, "id falls back to the permalink")
	require.Equal(t, "B", second.Text)
	require.Empty(t, second.Assets)
}

func TestParsePageEmpty(t *testing.T) {
	t.Parallel()
	body, err := os.ReadFile("testdata/empty.html")
	require.NoError(t, err)
	qs, err := ParsePage(body, mustBase(t))
	require.NoError(t, err)
	require.Empty(t, qs)
}

func TestParsePageBrokenBlockIsParseFailure(t *testing.T) {
	t.Parallel()
	html := `<article class="quote" data-quote="5"><header>no body here</header></article>`
	_, err := ParsePage([]byte(html), mustBase(t))
	require.Error(t, err)
	require.True(t, errors.Is(err, quote.ErrParse))
}

const mixedPage = `<html><body>
<article class="quote" data-quote="11"><div class="quote__body">fine</div></article>
<article class="quote" data-quote="12"><header>markup changed</header></article>
</body></html>`

func TestParsePageKeepsGoodBlocksAndReportsBrokenOne(t *testing.T) {
	t.Parallel()
	qs, err := ParsePage([]byte(mixedPage), mustBase(t))
	require.ErrorIs(t, err, quote.ErrParse)
	require.Contains(t, err.Error(), "#12")
	require.Len(t, qs, 1)
	require.Equal(t, int64(11), qs[0].ID)
}

func TestAssetPath(t *testing.T) {
	t.Parallel()
	cases := []struct {
		url     string
		want    string
		wantErr bool
	}{
		{"https://x/img/strips/a.jpg", "assets/7/a.jpg", false},
		{"https://x/img/strips/a.jpg?v=2", "assets/7/a.jpg", false},
		{"https://x/", "", true},
		{"https://x/..", "", true},
	}
	for _, tc := range cases {
		got, err := assetPath("assets", 7, tc.url)
		if tc.wantErr {
			require.Error(t, err, tc.url)
			continue
		}
		require.NoError(t, err, tc.url)
		require.Equal(t, tc.want, got)
	}
	_, err := assetPath("", 7, "https://x/a.jpg")
	require.Error(t, err)
}
