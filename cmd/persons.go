package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/kozaktomas/doorbell/internal/catalog"
	"github.com/kozaktomas/doorbell/internal/config"
	"github.com/kozaktomas/doorbell/internal/enroll"
)

var personsCmd = &cobra.Command{
	Use:   "persons",
	Short: "Manage the persons in the catalog",
}

var personsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List catalog persons with their vector counts",
	Args:  cobra.NoArgs,
	RunE:  runPersonsList,
}

var personsAddCmd = &cobra.Command{
	Use:   "add <person_id> <photo>...",
	Short: "Add photos for a person and re-enroll the catalog",
	Long: `Add photos for a person and re-enroll the catalog.

--on-conflict decides what happens when person_id is already registered:
keep adds the photos to that person, rename registers a new person with
a _new suffix, replace resets the person and swaps their photos.`,
	Args: cobra.MinimumNArgs(2),
	RunE: runPersonsAdd,
}

var personsRemoveCmd = &cobra.Command{
	Use:   "remove <person_id>",
	Short: "Remove a person and their vectors from the catalog",
	Long: `Remove a person and their vectors from the catalog.

Without --photos the enrollment folder is kept, so the next enroll run
registers the person again.`,
	Args: cobra.ExactArgs(1),
	RunE: runPersonsRemove,
}

var personsPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Drop catalog vectors whose person no longer exists",
	Args:  cobra.NoArgs,
	RunE:  runPersonsPrune,
}

func init() {
	rootCmd.AddCommand(personsCmd)
	personsCmd.AddCommand(personsListCmd)
	personsCmd.AddCommand(personsAddCmd)
	personsCmd.AddCommand(personsRemoveCmd)
	personsCmd.AddCommand(personsPruneCmd)

	personsListCmd.Flags().Bool("json", false, "Output as JSON")
	personsAddCmd.Flags().String("on-conflict", string(catalog.PolicyKeep), "Policy for an existing person_id: keep, rename or replace")
	personsRemoveCmd.Flags().Bool("photos", false, "Also delete the person's enrollment photos")
	personsRemoveCmd.Flags().BoolP("yes", "y", false, "Skip confirmation prompt")
}

func runPersonsList(cmd *cobra.Command, args []string) error {
	jsonOutput := mustGetBool(cmd, "json")

	cfg := config.Load()
	svc, _, err := openService(cfg, serviceOptions{})
	if err != nil {
		return err
	}
	persons := svc.Store().Persons()

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(persons)
	}

	if len(persons) == 0 {
		fmt.Println("No persons enrolled.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "LABEL\tPERSON ID\tNAME\tVECTORS")
	fmt.Fprintln(w, "-----\t---------\t----\t-------")
	total := 0
	for _, p := range persons {
		name := "-"
		if p.Name != nil {
			name = *p.Name
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%d\n", p.Label, p.PersonID, name, p.Vectors)
		total += p.Vectors
	}
	w.Flush()

	fmt.Printf("\nTotal: %d persons, %d vectors (dim %d)\n", len(persons), total, svc.Store().Dim())
	return nil
}

func runPersonsAdd(cmd *cobra.Command, args []string) error {
	personID := args[0]
	policy, err := catalog.ParseConflictPolicy(mustGetString(cmd, "on-conflict"))
	if err != nil {
		return err
	}

	photos := make([]enroll.Photo, 0, len(args)-1)
	for _, path := range args[1:] {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("reading photo: %w", err)
		}
		photos = append(photos, enroll.Photo{Name: filepath.Base(path), Data: data})
	}

	cfg := config.Load()
	svc, _, err := openService(cfg, serviceOptions{detector: true})
	if err != nil {
		return err
	}

	added, err := svc.AddPerson(context.Background(), personID, photos, policy)
	if err != nil {
		return fmt.Errorf("adding person: %w", err)
	}
	if added.Saved == 0 {
		return fmt.Errorf("no valid images provided")
	}
	fmt.Printf("Added %d photos for %s (%d faces enrolled)\n", added.Saved, added.PersonID, added.Enroll.Faces)
	return nil
}

func runPersonsRemove(cmd *cobra.Command, args []string) error {
	personID := args[0]
	photos := mustGetBool(cmd, "photos")
	skipConfirm := mustGetBool(cmd, "yes")

	cfg := config.Load()
	svc, _, err := openService(cfg, serviceOptions{})
	if err != nil {
		return err
	}
	if _, ok := svc.Store().LabelOf(personID); !ok {
		return fmt.Errorf("person %q not found", personID)
	}

	if !skipConfirm {
		prompt := fmt.Sprintf("Remove %q from the catalog?", personID)
		if photos {
			prompt = fmt.Sprintf("Remove %q and delete their photos?", personID)
		}
		if !confirm(prompt) {
			fmt.Println("Aborted.")
			return nil
		}
	}

	if _, err := svc.RemovePerson(personID, photos); err != nil {
		return fmt.Errorf("removing person: %w", err)
	}
	fmt.Printf("Removed %s\n", personID)
	return nil
}

func runPersonsPrune(cmd *cobra.Command, args []string) error {
	cfg := config.Load()
	svc, _, err := openService(cfg, serviceOptions{})
	if err != nil {
		return err
	}

	before := svc.Store().Len()
	changed, err := svc.Prune()
	if err != nil {
		return fmt.Errorf("pruning catalog: %w", err)
	}
	if !changed {
		fmt.Println("Nothing to prune.")
		return nil
	}
	fmt.Printf("Dropped %d orphaned vectors\n", before-svc.Store().Len())
	return nil
}
