package meta

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fakePDF = []byte("%PDF-1.4\nfake sheet body")

func TestFallbackSheetNumber(t *testing.T) {
	tests := []struct {
		sheetID string
		want    string
	}{
		{"abc123def456", "Sheet-f456"},
		{"1234", "Sheet-1234"},
		{"ab", "Sheet-ab"},
		{"", "Sheet-"},
	}
	for _, tt := range tests {
		r := Fallback(tt.sheetID)
		assert.Equal(t, tt.want, r.SheetNumber)
		assert.Zero(t, r.Metadata.Confidence)
		assert.Equal(t, FallbackMethod, r.Metadata.Method)
		assert.Nil(t, r.Metadata.SheetTitle)
	}
}

func TestExtractRejectsNonPDF(t *testing.T) {
	c := NewClient(ClientConfig{ServiceURL: "http://unused", ValidatePDF: true})

	r, err := c.Extract(context.Background(), []byte("hello, not a pdf"), "sheet-0042")
	require.NoError(t, err, "unreadable pdf degrades, it does not error")
	assert.Equal(t, "Sheet-0042", r.SheetNumber)
	assert.Equal(t, FallbackMethod, r.Metadata.Method)
}

func TestExtractNoServiceConfigured(t *testing.T) {
	c := NewClient(ClientConfig{})

	r, err := c.Extract(context.Background(), fakePDF, "sheet-0042")
	require.NoError(t, err)
	assert.Equal(t, FallbackMethod, r.Metadata.Method)
}

func TestExtractServiceRoundTrip(t *testing.T) {
	title := "FLOOR PLAN - LEVEL 2"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/pdf", r.Header.Get("Content-Type"))
		assert.Equal(t, "sheet-0042", r.Header.Get("X-Sheet-Id"))
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		assert.Equal(t, fakePDF, body)

		require.NoError(t, json.NewEncoder(w).Encode(Result{
			SheetNumber: "A2.1",
			Metadata: Metadata{
				SheetTitle:    &title,
				Confidence:    0.93,
				Method:        "title_block_ocr",
				ExtractedText: "A2.1 FLOOR PLAN - LEVEL 2",
				AllSheets:     []string{"A2.1", "A2.2"},
			},
		}))
	}))
	defer srv.Close()

	c := NewClient(ClientConfig{ServiceURL: srv.URL})
	r, err := c.Extract(context.Background(), fakePDF, "sheet-0042")
	require.NoError(t, err)
	assert.Equal(t, "A2.1", r.SheetNumber)
	require.NotNil(t, r.Metadata.SheetTitle)
	assert.Equal(t, title, *r.Metadata.SheetTitle)
	assert.Equal(t, "title_block_ocr", r.Metadata.Method)
	assert.InDelta(t, 0.93, r.Metadata.Confidence, 1e-9)
}

func TestExtractServiceFailureFallsBack(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(ClientConfig{ServiceURL: srv.URL})
	r, err := c.Extract(context.Background(), fakePDF, "sheet-0042")
	require.NoError(t, err)
	assert.Equal(t, FallbackMethod, r.Metadata.Method)
	assert.Equal(t, "Sheet-0042", r.SheetNumber)
}

func TestExtractServiceEmptySheetNumberFallsBack(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		require.NoError(t, json.NewEncoder(w).Encode(Result{}))
	}))
	defer srv.Close()

	c := NewClient(ClientConfig{ServiceURL: srv.URL})
	r, err := c.Extract(context.Background(), fakePDF, "sheet-0042")
	require.NoError(t, err)
	assert.Equal(t, FallbackMethod, r.Metadata.Method)
}

func TestExtractFromURL(t *testing.T) {
	pdfSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(fakePDF)
	}))
	defer pdfSrv.Close()

	c := NewClient(ClientConfig{})
	r, err := c.ExtractFromURL(context.Background(), pdfSrv.URL, "sheet-0042")
	require.NoError(t, err)
	assert.Equal(t, "Sheet-0042", r.SheetNumber)
}

func TestExtractFromURLDownloadError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewClient(ClientConfig{})
	_, err := c.ExtractFromURL(context.Background(), srv.URL, "sheet-0042")
	require.Error(t, err)
}

func TestReadAllLimited(t *testing.T) {
	data, err := readAllLimited(strings.NewReader("under the cap"), 64)
	require.NoError(t, err)
	assert.Equal(t, "under the cap", string(data))

	_, err = readAllLimited(strings.NewReader(strings.Repeat("x", 65)), 64)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "limit")
}
