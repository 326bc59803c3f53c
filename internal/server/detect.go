package server

import (
	"archive/tar"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/MeKo-Tech/calloutscan/internal/tiler"
	"github.com/MeKo-Tech/calloutscan/internal/types"
)

// maxRequestBytes bounds a detect-markers request body.
const maxRequestBytes = 256 << 20

// maxDownloadConcurrency bounds parallel tile URL downloads.
const maxDownloadConcurrency = 4

// maxTileBytes caps one downloaded tile body.
const maxTileBytes = 64 << 20

type detectRequest struct {
	Tiles           []tilePayload `json:"tiles"`
	TileURLs        []string      `json:"tile_urls"`
	ValidSheets     []string      `json:"valid_sheets"`
	ValidDetails    []string      `json:"valid_details"`
	StrictFiltering bool          `json:"strict_filtering"`
}

type tilePayload struct {
	Filename string `json:"filename"`
	Data     string `json:"data"`
}

type detectResponse struct {
	Markers          []types.Marker `json:"markers"`
	Stage1Candidates int            `json:"stage1_candidates"`
	Stage2Validated  int            `json:"stage2_validated"`
	ProcessingTimeMS float64        `json:"processing_time_ms"`
}

func (s *Server) handleDetectMarkers(w http.ResponseWriter, r *http.Request) {
	if !s.ready.Load() {
		s.writeError(w, http.StatusServiceUnavailable, "detectors are still loading", "retry shortly")
		return
	}

	select {
	case s.sem <- struct{}{}:
		defer func() { <-s.sem }()
	case <-r.Context().Done():
		s.writeError(w, http.StatusServiceUnavailable, "request cancelled while queued", "")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBytes)

	var (
		tiles   []*types.Tile
		project *types.Project
		strict  bool
		err     error
	)
	contentType := r.Header.Get("Content-Type")
	switch {
	case strings.HasPrefix(contentType, "application/x-tar"):
		tiles, project, strict, err = s.parseTarRequest(r)
	case strings.HasPrefix(contentType, "application/json"):
		tiles, project, strict, err = s.parseJSONRequest(r)
	default:
		s.writeError(w, http.StatusBadRequest, "unsupported content type", contentType)
		return
	}
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "malformed request", err.Error())
		return
	}
	if len(tiles) == 0 {
		s.writeError(w, http.StatusBadRequest, "no tiles in request", "")
		return
	}

	s.metrics.tiles.Add(float64(len(tiles)))

	result, err := s.pipe.RunTiles(r.Context(), tiles, project, strict)
	if err != nil {
		if r.Context().Err() != nil {
			s.writeError(w, http.StatusServiceUnavailable, "request cancelled", "")
			return
		}
		s.writeError(w, http.StatusInternalServerError, "detection failed", err.Error())
		return
	}

	s.metrics.candidates.Add(float64(result.Stage1Candidates))
	s.metrics.validated.Add(float64(result.Stage2Validated))
	s.metrics.markers.Add(float64(len(result.Markers)))

	markers := result.Markers
	if markers == nil {
		markers = []types.Marker{}
	}
	writeJSON(w, http.StatusOK, detectResponse{
		Markers:          markers,
		Stage1Candidates: result.Stage1Candidates,
		Stage2Validated:  result.Stage2Validated,
		ProcessingTimeMS: float64(result.Elapsed.Microseconds()) / 1000.0,
	})
}

// parseJSONRequest materializes tiles from inline base64 payloads and tile
// URLs into one in-memory set.
func (s *Server) parseJSONRequest(r *http.Request) ([]*types.Tile, *types.Project, bool, error) {
	var req detectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return nil, nil, false, fmt.Errorf("invalid json: %w", err)
	}
	if len(req.Tiles) == 0 && len(req.TileURLs) == 0 {
		return nil, nil, false, fmt.Errorf("request needs tiles or tile_urls")
	}

	tiles := make([]*types.Tile, 0, len(req.Tiles)+len(req.TileURLs))
	for _, p := range req.Tiles {
		data, err := base64.StdEncoding.DecodeString(p.Data)
		if err != nil {
			return nil, nil, false, fmt.Errorf("tile %s: invalid base64: %w", p.Filename, err)
		}
		tile, err := tiler.DecodeTile(p.Filename, data)
		if err != nil {
			return nil, nil, false, fmt.Errorf("tile %s: %w", p.Filename, err)
		}
		tiles = append(tiles, tile)
	}

	downloaded, err := s.downloadTiles(r.Context(), req.TileURLs)
	if err != nil {
		return nil, nil, false, err
	}
	tiles = append(tiles, downloaded...)

	return tiles, types.NewProject(req.ValidSheets, req.ValidDetails), req.StrictFiltering, nil
}

// parseTarRequest reads tiles from a tar stream; the project context rides in
// headers since the body is the archive.
func (s *Server) parseTarRequest(r *http.Request) ([]*types.Tile, *types.Project, bool, error) {
	var tiles []*types.Tile
	tr := tar.NewReader(r.Body)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, false, fmt.Errorf("invalid tar stream: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		data, err := io.ReadAll(tr)
		if err != nil {
			return nil, nil, false, fmt.Errorf("tar entry %s: %w", hdr.Name, err)
		}
		tile, err := tiler.DecodeTile(hdr.Name, data)
		if err != nil {
			return nil, nil, false, fmt.Errorf("tar entry %s: %w", hdr.Name, err)
		}
		tiles = append(tiles, tile)
	}

	project := types.NewProject(
		splitHeaderList(r.Header.Get("X-Valid-Sheets")),
		splitHeaderList(r.Header.Get("X-Valid-Details")),
	)
	strict := strings.EqualFold(r.Header.Get("X-Strict-Filtering"), "true")
	return tiles, project, strict, nil
}

func splitHeaderList(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// downloadTiles fetches tile URLs in bounded parallel, each under its own
// deadline. Any failed download fails the request; a page with silently
// missing tiles would return misleading results.
func (s *Server) downloadTiles(ctx context.Context, urls []string) ([]*types.Tile, error) {
	if len(urls) == 0 {
		return nil, nil
	}

	tiles := make([]*types.Tile, len(urls))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxDownloadConcurrency)
	for i, url := range urls {
		g.Go(func() error {
			data, err := s.downloadOne(gctx, url)
			if err != nil {
				return fmt.Errorf("tile url %s: %w", url, err)
			}
			tile, err := tiler.DecodeTile(path.Base(url), data)
			if err != nil {
				return fmt.Errorf("tile url %s: %w", url, err)
			}
			tiles[i] = tile
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return tiles, nil
}

func (s *Server) downloadOne(ctx context.Context, url string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.DownloadTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download returned status %d", resp.StatusCode)
	}
	return readAllLimited(resp.Body, maxTileBytes)
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
