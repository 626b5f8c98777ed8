package workers

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/intelligencedev/knowledge-ingest/internal/config"
	"github.com/intelligencedev/knowledge-ingest/internal/ingestion/model"
)

func TestParseContentType(t *testing.T) {
	cases := []struct {
		header      string
		wantType    string
		wantCharset string
	}{
		{"text/html; charset=UTF-8", "text/html", "UTF-8"},
		{"text/html", "text/html", ""},
		{"application/json; charset=\"utf-8\"", "application/json", "utf-8"},
		{"", "", ""},
	}
	for _, c := range cases {
		gotType, gotCharset := parseContentType(c.header)
		require.Equal(t, c.wantType, gotType)
		require.Equal(t, c.wantCharset, gotCharset)
	}
}

func TestToUTF8_PassthroughForUTF8(t *testing.T) {
	out, err := toUTF8([]byte("hello"), "utf-8")
	require.NoError(t, err)
	require.Equal(t, "hello", string(out))

	out, err = toUTF8([]byte("hello"), "")
	require.NoError(t, err)
	require.Equal(t, "hello", string(out))
}

func TestToUTF8_UnknownLabelErrors(t *testing.T) {
	_, err := toUTF8([]byte("hello"), "not-a-real-charset")
	require.Error(t, err)
}

func TestURLFetcher_ExtractMarkdown_KeepsBodyText(t *testing.T) {
	f := NewURLFetcher(config.IngestionLimits{})
	html := `<html><head><title>Example Page</title></head><body><article><h1>Example Page</h1><p>Some body text that is long enough to read.</p></article></body></html>`

	title, markdown := f.extractMarkdown(html, "https://example.com/post")
	require.NotEmpty(t, markdown)
	require.Contains(t, markdown, "Some body text")
	_ = title
}

func TestNewURLFetcher_DefaultsMinReadableChars(t *testing.T) {
	f := NewURLFetcher(config.IngestionLimits{})
	require.Equal(t, 200, f.minReadableChars)

	f2 := NewURLFetcher(config.IngestionLimits{MinReadableChars: 50})
	require.Equal(t, 50, f2.minReadableChars)
}

func TestURLFetcher_Fetch_RejectsNonHTTPScheme(t *testing.T) {
	f := NewURLFetcher(config.IngestionLimits{})
	_, err := f.Fetch(context.Background(), model.Job{SourceIdentifier: "ftp://example.com/file"})
	require.Error(t, err)
}

func TestURLFetcher_Fetch_RejectsEmptySource(t *testing.T) {
	f := NewURLFetcher(config.IngestionLimits{})
	_, err := f.Fetch(context.Background(), model.Job{SourceIdentifier: ""})
	require.Error(t, err)
}
