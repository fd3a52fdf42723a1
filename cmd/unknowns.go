package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/kozaktomas/doorbell/internal/config"
)

var unknownsCmd = &cobra.Command{
	Use:   "unknowns",
	Short: "Review faces that matched nobody",
}

var unknownsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List cached unknown faces",
	Args:  cobra.NoArgs,
	RunE:  runUnknownsList,
}

var unknownsLabelCmd = &cobra.Command{
	Use:   "label <id> <name>",
	Short: "Move an unknown face into the catalog",
	Long: `Move an unknown face into the catalog under the given name.

A name matching an existing person (by id or name, ignoring case and
diacritics) adds the face to that person.`,
	Args: cobra.ExactArgs(2),
	RunE: runUnknownsLabel,
}

var unknownsRemoveCmd = &cobra.Command{
	Use:   "remove <id>",
	Short: "Discard an unknown face and its crop",
	Args:  cobra.ExactArgs(1),
	RunE:  runUnknownsRemove,
}

func init() {
	rootCmd.AddCommand(unknownsCmd)
	unknownsCmd.AddCommand(unknownsListCmd)
	unknownsCmd.AddCommand(unknownsLabelCmd)
	unknownsCmd.AddCommand(unknownsRemoveCmd)

	unknownsListCmd.Flags().Bool("json", false, "Output as JSON")
}

func parseUnknownID(s string) (uint64, error) {
	id, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid unknown id %q", s)
	}
	return id, nil
}

func runUnknownsList(cmd *cobra.Command, args []string) error {
	jsonOutput := mustGetBool(cmd, "json")

	cfg := config.Load()
	svc, _, err := openService(cfg, serviceOptions{})
	if err != nil {
		return err
	}
	entries := svc.Unknowns().Entries()

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(entries)
	}

	if len(entries) == 0 {
		fmt.Println("No unknown faces.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tCROP")
	fmt.Fprintln(w, "--\t----")
	for _, e := range entries {
		crop := svc.Unknowns().CropPath(e)
		if crop == "" {
			crop = "-"
		}
		fmt.Fprintf(w, "%d\t%s\n", e.ID, crop)
	}
	w.Flush()

	fmt.Printf("\nTotal: %d unknown faces\n", len(entries))
	return nil
}

func runUnknownsLabel(cmd *cobra.Command, args []string) error {
	id, err := parseUnknownID(args[0])
	if err != nil {
		return err
	}

	cfg := config.Load()
	svc, _, err := openService(cfg, serviceOptions{})
	if err != nil {
		return err
	}

	res, err := svc.LabelUnknown(id, args[1])
	if err != nil {
		return fmt.Errorf("labelling unknown face: %w", err)
	}
	fmt.Printf("Unknown %d labelled as %s (label %d, vectors added: %d)\n", id, res.PersonID, res.Label, res.Added)
	if res.Photo != "" {
		fmt.Printf("Crop saved as %s\n", res.Photo)
	}
	return nil
}

func runUnknownsRemove(cmd *cobra.Command, args []string) error {
	id, err := parseUnknownID(args[0])
	if err != nil {
		return err
	}

	cfg := config.Load()
	svc, _, err := openService(cfg, serviceOptions{})
	if err != nil {
		return err
	}
	if err := svc.RemoveUnknown(id); err != nil {
		return err
	}
	fmt.Printf("Removed unknown face %d\n", id)
	return nil
}
