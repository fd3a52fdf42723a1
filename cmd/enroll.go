package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/kozaktomas/doorbell/internal/config"
)

var enrollCmd = &cobra.Command{
	Use:   "enroll",
	Short: "Rebuild the catalog from the enrollment photos",
	Long: `Embed every photo under DATA_DIR/Images/<person_id>/ and replace the
catalog vectors with the result. Existing labels and names are kept.

With --rebuild the catalog adopts the dimension reported by the embedder
even when it already holds vectors of another dimension.`,
	Args: cobra.NoArgs,
	RunE: runEnroll,
}

func init() {
	rootCmd.AddCommand(enrollCmd)

	enrollCmd.Flags().Bool("rebuild", false, "Allow a populated catalog to switch to a new embedding dimension")
	enrollCmd.Flags().Bool("json", false, "Output statistics as JSON")
}

func runEnroll(cmd *cobra.Command, args []string) error {
	rebuild := mustGetBool(cmd, "rebuild")
	jsonOutput := mustGetBool(cmd, "json")

	cfg := config.Load()
	svc, _, err := openService(cfg, serviceOptions{detector: true})
	if err != nil {
		return err
	}

	var bar *progressbar.ProgressBar
	progress := func(done, total int) {
		if jsonOutput {
			return
		}
		if bar == nil {
			bar = progressbar.NewOptions(total,
				progressbar.OptionSetDescription("Embedding photos"),
				progressbar.OptionShowCount(),
				progressbar.OptionShowIts(),
				progressbar.OptionSetItsString("photos"),
				progressbar.OptionShowElapsedTimeOnFinish(),
				progressbar.OptionSetPredictTime(true),
				progressbar.OptionFullWidth(),
			)
		}
		_ = bar.Set(done)
	}

	stats, err := svc.Enroll(context.Background(), rebuild, progress)
	if bar != nil {
		_ = bar.Finish()
		fmt.Println()
	}
	if err != nil {
		return fmt.Errorf("enrollment failed: %w", err)
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(stats)
	}

	fmt.Printf("Persons:  %d\n", stats.Persons)
	fmt.Printf("Images:   %d\n", stats.Images)
	fmt.Printf("Faces:    %d\n", stats.Faces)
	if stats.Failed > 0 {
		fmt.Printf("Failed:   %d\n", stats.Failed)
	}
	if stats.Dropped > 0 {
		fmt.Printf("Dropped:  %d (dimension mismatch)\n", stats.Dropped)
	}
	if stats.Kept > 0 {
		fmt.Printf("Kept:     %d (stored vectors kept after failed photos)\n", stats.Kept)
	}
	return nil
}
