package cmd

import (
	"fmt"

	"github.com/spf13/viper"

	"github.com/MeKo-Tech/calloutscan/internal/exemplar"
	"github.com/MeKo-Tech/calloutscan/internal/llm"
	"github.com/MeKo-Tech/calloutscan/internal/pipeline"
	"github.com/MeKo-Tech/calloutscan/internal/worker"
)

// buildPipeline assembles the detection stack from process configuration:
// model client, exemplar set, validator, and the stage settings. onProgress
// may be nil; when set it receives per-tile scan completions.
func buildPipeline(onProgress worker.ProgressFunc) (*pipeline.Pipeline, error) {
	apiKey := viper.GetString("openrouter.api_key")
	if apiKey == "" {
		return nil, fmt.Errorf("OPENROUTER_API_KEY is not set")
	}

	client := llm.NewClient(llm.ClientConfig{
		APIKey: apiKey,
		Model:  viper.GetString("openrouter.model"),
	})

	var set *exemplar.Set
	if path := viper.GetString("exemplars"); path != "" {
		store, err := exemplar.Open(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open exemplar archive: %w", err)
		}
		defer store.Close()

		set, err = exemplar.LoadSet(store, exemplar.DefaultCircular, exemplar.DefaultTriangular)
		if err != nil {
			return nil, fmt.Errorf("failed to load exemplars: %w", err)
		}
		logger.Info("loaded exemplar archive", "path", path, "exemplars", len(set.Exemplars))
	}

	validator, err := llm.NewValidator(client, set, viper.GetInt("stage2.batch_size"), logger)
	if err != nil {
		return nil, err
	}

	cfg := pipeline.Config{
		TileSize:          viper.GetInt("tile.size"),
		TileOverlap:       viper.GetFloat64("tile.overlap"),
		AcceptThreshold:   viper.GetFloat64("ocr.confidence_threshold"),
		Stage2Concurrency: viper.GetInt("stage2.concurrency"),
		OnProgress:        onProgress,
	}
	// No embedded OCR engine ships with the binary yet; without one every
	// candidate routes to the validator.
	return pipeline.New(cfg, nil, validator, logger)
}
