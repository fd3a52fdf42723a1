package cmd

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var dataDir string

var rootCmd = &cobra.Command{
	Use:   "doorbell",
	Short: "Face recognition catalog for a doorbell camera",
	Long: `Doorbell keeps a catalog of known faces, names the faces a camera sees
and collects the ones it cannot place for later review.

Enrollment photos live in DATA_DIR/Images/<person_id>/, the catalog in
DATA_DIR/catalog/ and crops of unknown faces in DATA_DIR/Images/unknown/.`,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "Data directory (overrides DATA_DIR)")
}

func initConfig() {
	// .env file is optional, don't fail if not found
	_ = godotenv.Load()
	if dataDir != "" {
		os.Setenv("DATA_DIR", dataDir)
	}
}
