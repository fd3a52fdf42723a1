package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/kozaktomas/doorbell/internal/config"
	"github.com/kozaktomas/doorbell/internal/recognizer"
)

var recognizeCmd = &cobra.Command{
	Use:   "recognize <image>",
	Short: "Recognize the faces in an image",
	Long: `Detect the faces in an image file and name them against the catalog.
Faces that match nobody are added to the unknown cache.

Examples:
  doorbell recognize frame.jpg
  doorbell recognize frame.jpg --out annotated.jpg
  doorbell recognize frame.jpg --threshold 0.5 --json`,
	Args: cobra.ExactArgs(1),
	RunE: runRecognize,
}

func init() {
	rootCmd.AddCommand(recognizeCmd)

	recognizeCmd.Flags().String("out", "", "Write the annotated image (JPEG) to this path")
	recognizeCmd.Flags().Float64("threshold", 0, "Similarity threshold (overrides SIM_THRESHOLD)")
	recognizeCmd.Flags().Bool("json", false, "Output as JSON")
}

func runRecognize(cmd *cobra.Command, args []string) error {
	out := mustGetString(cmd, "out")
	var threshold *float64
	if cmd.Flags().Changed("threshold") {
		v := mustGetFloat64(cmd, "threshold")
		threshold = &v
	}
	jsonOutput := mustGetBool(cmd, "json")

	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("reading image: %w", err)
	}

	cfg := config.Load()
	svc, _, err := openService(cfg, serviceOptions{detector: true, simThreshold: threshold})
	if err != nil {
		return err
	}

	rec, err := svc.ProcessImage(context.Background(), data)
	if err != nil {
		return fmt.Errorf("recognition failed: %w", err)
	}

	if out != "" {
		img, err := recognizer.EncodeAnnotated(rec)
		if err != nil {
			return fmt.Errorf("encoding annotated image: %w", err)
		}
		if err := os.WriteFile(out, img, 0644); err != nil {
			return fmt.Errorf("writing annotated image: %w", err)
		}
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(rec)
	}

	if len(rec.Faces) == 0 {
		fmt.Println("No faces found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "#\tNAME\tPERSON ID\tSIMILARITY\tUNKNOWN ID")
	fmt.Fprintln(w, "-\t----\t---------\t----------\t----------")
	for i, f := range rec.Faces {
		unknownID := "-"
		if f.UnknownID != nil {
			unknownID = fmt.Sprintf("%d", *f.UnknownID)
		}
		personID := f.PersonID
		if personID == "" {
			personID = "-"
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%.3f\t%s\n", i+1, f.Name, personID, f.Similarity, unknownID)
	}
	w.Flush()

	if out != "" {
		fmt.Printf("\nAnnotated image written to %s\n", out)
	}
	return nil
}
