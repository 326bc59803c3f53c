package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/MeKo-Tech/calloutscan/internal/exemplar"
	"github.com/MeKo-Tech/calloutscan/internal/types"
)

var exemplarsCmd = &cobra.Command{
	Use:   "exemplars",
	Short: "Manage the few-shot exemplar archive",
	Long: `Exemplars are pre-recorded true-positive callout crops that anchor the
vision model's recognition. They live in a small SQLite archive; every
validation prompt carries a selection of them ahead of the real candidates.`,
}

var exemplarsAddCmd = &cobra.Command{
	Use:   "add <archive> <label> <crop.png>",
	Short: "Add a labeled crop to an archive",
	Args:  cobra.ExactArgs(3),
	RunE:  runExemplarsAdd,
}

var exemplarsListCmd = &cobra.Command{
	Use:   "list <archive>",
	Short: "List the exemplars in an archive",
	Args:  cobra.ExactArgs(1),
	RunE:  runExemplarsList,
}

var exemplarsSeedCmd = &cobra.Command{
	Use:   "seed <archive>",
	Short: "Seed a new archive with the built-in synthetic set",
	Args:  cobra.ExactArgs(1),
	RunE:  runExemplarsSeed,
}

func init() {
	rootCmd.AddCommand(exemplarsCmd)
	exemplarsCmd.AddCommand(exemplarsAddCmd, exemplarsListCmd, exemplarsSeedCmd)

	exemplarsAddCmd.Flags().String("kind", string(types.ShapeCircular),
		"Marker shape the crop shows (circular or triangular)")
}

func runExemplarsAdd(cmd *cobra.Command, args []string) error {
	archive, label, cropPath := args[0], args[1], args[2]

	kindFlag, err := cmd.Flags().GetString("kind")
	if err != nil {
		return err
	}
	kind := types.ShapeKind(kindFlag)
	if kind != types.ShapeCircular && kind != types.ShapeTriangular {
		return fmt.Errorf("unknown kind %q (want circular or triangular)", kindFlag)
	}

	data, err := os.ReadFile(cropPath)
	if err != nil {
		return fmt.Errorf("failed to read crop: %w", err)
	}

	store, err := exemplar.Open(archive)
	if err != nil {
		return err
	}
	defer store.Close()

	id, err := store.Put(exemplar.Exemplar{Kind: kind, Label: label, PNG: data})
	if err != nil {
		return err
	}
	if err := store.SetMetadata("updated_at", time.Now().UTC().Format(time.RFC3339)); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "added exemplar %d: %s %q (%s)\n",
		id, kind, label, humanize.Bytes(uint64(len(data))))
	return nil
}

func runExemplarsList(cmd *cobra.Command, args []string) error {
	store, err := exemplar.Open(args[0])
	if err != nil {
		return err
	}
	defer store.Close()

	all, err := store.List("")
	if err != nil {
		return err
	}
	if len(all) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "archive is empty")
		return nil
	}

	for _, e := range all {
		fmt.Fprintf(cmd.OutOrStdout(), "%4d  %-10s  %-12s  %s\n",
			e.ID, e.Kind, e.Label, humanize.Bytes(uint64(len(e.PNG))))
	}
	return nil
}

func runExemplarsSeed(cmd *cobra.Command, args []string) error {
	set, err := exemplar.BuiltinSet()
	if err != nil {
		return err
	}

	store, err := exemplar.Open(args[0])
	if err != nil {
		return err
	}
	defer store.Close()

	for _, e := range set.Exemplars {
		if _, err := store.Put(exemplar.Exemplar{Kind: e.Kind, Label: e.Label, PNG: e.PNG}); err != nil {
			return err
		}
	}
	if err := store.SetMetadata("seeded_at", time.Now().UTC().Format(time.RFC3339)); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "seeded %d exemplars into %s\n", len(set.Exemplars), args[0])
	return nil
}
