package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/MeKo-Tech/calloutscan/internal/tiler"
	"github.com/MeKo-Tech/calloutscan/internal/types"
	"github.com/MeKo-Tech/calloutscan/internal/worker"
)

var detectCmd = &cobra.Command{
	Use:   "detect [image]...",
	Short: "Detect callout markers in drawing images",
	Long: `Detect runs the full extraction pipeline over drawing images on disk.

Each argument is a rendered page image (PNG, JPEG, or WebP) that is tiled
and scanned independently. With --pre-tiled the arguments are instead
treated as pre-cut tiles of a single page; each tile's page offset is read
from its filename (e.g. "tile_0003_x1638_y0.png").`,
	Args: cobra.MinimumNArgs(1),
	RunE: runDetect,
}

func init() {
	rootCmd.AddCommand(detectCmd)

	detectCmd.Flags().StringSlice("sheets", nil, "Valid sheet numbers for the project (e.g. A5,A7,S1.0)")
	detectCmd.Flags().StringSlice("details", nil, "Valid detail numbers for the project")
	detectCmd.Flags().Bool("strict", false, "Drop candidates whose sheet is not in the project list")
	detectCmd.Flags().Bool("pre-tiled", false, "Treat arguments as tiles of one page instead of whole pages")
	detectCmd.Flags().StringP("output", "o", "", "Write results to this file instead of stdout")

	mustBindFlags(detectCmd, map[string]string{
		"detect.sheets":    "sheets",
		"detect.details":   "details",
		"detect.strict":    "strict",
		"detect.pre_tiled": "pre-tiled",
		"detect.output":    "output",
	})
}

// pageResult is one scanned page in the CLI output.
type pageResult struct {
	File             string         `json:"file,omitempty"`
	Markers          []types.Marker `json:"markers"`
	Stage1Candidates int            `json:"stage1_candidates"`
	Stage2Validated  int            `json:"stage2_validated"`
	ProcessingTimeMS float64        `json:"processing_time_ms"`
}

func runDetect(cmd *cobra.Command, args []string) error {
	if logger == nil {
		initLogging()
	}

	project := types.NewProject(
		viper.GetStringSlice("detect.sheets"),
		viper.GetStringSlice("detect.details"),
	)
	strict := viper.GetBool("detect.strict")
	ctx := cmd.Context()

	var results []pageResult
	if viper.GetBool("detect.pre_tiled") {
		tiles := make([]*types.Tile, 0, len(args))
		bar := progressbar.Default(int64(len(args)), "loading tiles")
		for _, name := range args {
			data, err := os.ReadFile(name)
			if err != nil {
				return fmt.Errorf("failed to read tile %s: %w", name, err)
			}
			tile, err := tiler.DecodeTile(name, data)
			if err != nil {
				return fmt.Errorf("tile %s: %w", name, err)
			}
			tiles = append(tiles, tile)
			_ = bar.Add(1)
		}

		prog := worker.NewProgress(len(tiles), true)
		pipe, err := buildPipeline(prog.Callback())
		if err != nil {
			return err
		}

		res, err := pipe.RunTiles(ctx, tiles, project, strict)
		prog.Done()
		if err != nil {
			return err
		}
		logger.Info(prog.Summary())
		results = append(results, pageResult{
			Markers:          emptyIfNil(res.Markers),
			Stage1Candidates: res.Stage1Candidates,
			Stage2Validated:  res.Stage2Validated,
			ProcessingTimeMS: float64(res.Elapsed.Microseconds()) / 1000.0,
		})
	} else {
		pipe, err := buildPipeline(nil)
		if err != nil {
			return err
		}

		bar := progressbar.Default(int64(len(args)), "scanning pages")
		for _, name := range args {
			data, err := os.ReadFile(name)
			if err != nil {
				return fmt.Errorf("failed to read page %s: %w", name, err)
			}
			page, err := tiler.DecodeTile(name, data)
			if err != nil {
				return fmt.Errorf("page %s: %w", name, err)
			}

			res, err := pipe.RunImage(ctx, page.Image, project, strict)
			if err != nil {
				return fmt.Errorf("page %s: %w", name, err)
			}
			results = append(results, pageResult{
				File:             filepath.Base(name),
				Markers:          emptyIfNil(res.Markers),
				Stage1Candidates: res.Stage1Candidates,
				Stage2Validated:  res.Stage2Validated,
				ProcessingTimeMS: float64(res.Elapsed.Microseconds()) / 1000.0,
			})
			_ = bar.Add(1)
		}
	}

	return writeResults(results, viper.GetString("detect.output"))
}

func emptyIfNil(markers []types.Marker) []types.Marker {
	if markers == nil {
		return []types.Marker{}
	}
	return markers
}

func writeResults(results []pageResult, path string) error {
	out := os.Stdout
	if path != "" {
		f, err := os.Create(path)
		if err != nil {
			return fmt.Errorf("failed to create output file: %w", err)
		}
		defer f.Close()
		out = f
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(results); err != nil {
		return fmt.Errorf("failed to write results: %w", err)
	}
	return nil
}
