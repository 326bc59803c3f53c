// Package meta extracts title-block metadata for a sheet. The actual OCR of
// the title block lives in an external service; this package owns the typed
// client, PDF sanity checking, and the fallback used when no title block can
// be read. A missing title block is a value, never an error.
package meta

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/pdfcpu/pdfcpu/pkg/api"
)

// FallbackMethod marks metadata synthesized because no title block was found
// or the service was unreachable.
const FallbackMethod = "fallback"

// maxServiceResponse caps the metadata service response body.
const maxServiceResponse = 1 << 20

// maxFetchBytes caps a downloaded sheet PDF, mirroring the facade's upload
// limit.
const maxFetchBytes = 128 << 20

var pdfMagic = []byte("%PDF-")

// Metadata describes one sheet's title block.
type Metadata struct {
	SheetTitle         *string        `json:"sheet_title"`
	Confidence         float64        `json:"confidence"`
	Method             string         `json:"method"`
	ExtractedText      string         `json:"extracted_text"`
	TitleBlockLocation map[string]any `json:"title_block_location,omitempty"`
	AllSheets          []string       `json:"all_sheets,omitempty"`
}

// Result is the full extraction outcome for one sheet.
type Result struct {
	SheetNumber string   `json:"sheet_number"`
	Metadata    Metadata `json:"metadata"`
}

// ClientConfig configures the title-block client.
type ClientConfig struct {
	// ServiceURL is the external title-block OCR service. Empty means no
	// service is configured and every extraction falls back.
	ServiceURL string
	// ValidatePDF runs a structural PDF check before calling the service.
	ValidatePDF bool
	Timeout     time.Duration
	HTTPClient  *http.Client
	Logger      *slog.Logger
}

// Client calls the title-block service and degrades to fallback metadata when
// the sheet cannot be read.
type Client struct {
	cfg ClientConfig
}

// NewClient fills defaults and returns the client.
func NewClient(cfg ClientConfig) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Client{cfg: cfg}
}

// Extract reads the title block of one sheet PDF. Unreadable PDFs, a missing
// service, and service failures all degrade to the fallback result; the error
// return is reserved for context cancellation.
func (c *Client) Extract(ctx context.Context, pdf []byte, sheetID string) (Result, error) {
	if err := c.checkPDF(pdf); err != nil {
		c.cfg.Logger.Warn("sheet pdf failed validation, using fallback", "sheet", sheetID, "error", err)
		return Fallback(sheetID), nil
	}
	if c.cfg.ServiceURL == "" {
		return Fallback(sheetID), nil
	}

	result, err := c.callService(ctx, pdf, sheetID)
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}
		c.cfg.Logger.Warn("title-block service failed, using fallback", "sheet", sheetID, "error", err)
		return Fallback(sheetID), nil
	}
	return result, nil
}

// ExtractFromURL downloads the sheet PDF and extracts its title block.
func (c *Client) ExtractFromURL(ctx context.Context, sheetURL, sheetID string) (Result, error) {
	pdf, err := c.fetch(ctx, sheetURL)
	if err != nil {
		return Result{}, fmt.Errorf("failed to fetch sheet pdf: %w", err)
	}
	return c.Extract(ctx, pdf, sheetID)
}

// Fallback synthesizes metadata for a sheet whose title block could not be
// read: the sheet number derives from the last four characters of the id.
func Fallback(sheetID string) Result {
	suffix := sheetID
	if len(suffix) > 4 {
		suffix = suffix[len(suffix)-4:]
	}
	return Result{
		SheetNumber: "Sheet-" + suffix,
		Metadata: Metadata{
			Confidence: 0,
			Method:     FallbackMethod,
		},
	}
}

// checkPDF rejects bodies that are not structurally valid PDFs.
func (c *Client) checkPDF(pdf []byte) error {
	if !bytes.HasPrefix(pdf, pdfMagic) {
		return fmt.Errorf("body is not a pdf")
	}
	if !c.cfg.ValidatePDF {
		return nil
	}
	if err := api.Validate(bytes.NewReader(pdf), nil); err != nil {
		return fmt.Errorf("pdf validation failed: %w", err)
	}
	return nil
}

func (c *Client) callService(ctx context.Context, pdf []byte, sheetID string) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.ServiceURL, bytes.NewReader(pdf))
	if err != nil {
		return Result{}, err
	}
	req.Header.Set("Content-Type", "application/pdf")
	req.Header.Set("X-Sheet-Id", sheetID)

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return Result{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Result{}, fmt.Errorf("title-block service returned status %d", resp.StatusCode)
	}

	var result Result
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxServiceResponse)).Decode(&result); err != nil {
		return Result{}, fmt.Errorf("failed to decode title-block response: %w", err)
	}
	if result.SheetNumber == "" {
		return Fallback(sheetID), nil
	}
	return result, nil
}

func (c *Client) fetch(ctx context.Context, url string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download returned status %d", resp.StatusCode)
	}
	return readAllLimited(resp.Body, maxFetchBytes)
}

// readAllLimited reads at most max bytes and errors when the body runs past
// the cap instead of buffering it whole.
func readAllLimited(r io.Reader, max int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, max+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > max {
		return nil, fmt.Errorf("body exceeds %d byte limit", max)
	}
	return data, nil
}
