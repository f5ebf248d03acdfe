package cmd

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/MeKo-Tech/snapdetect/internal/models"
)

// modelsCmd lists the known model files and optionally downloads the
// detector weights.
var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "List model files and their status",
	Long: `List the model files snapdetect uses and whether they are present in the
models directory. With --download the detection model is fetched when missing.

Examples:
  snapdetect models
  snapdetect models --download --models-dir ./models`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := GetConfig()
		if err != nil {
			return err
		}
		modelsDir := models.GetModelsDir(cfg.ModelsDir)

		if download, _ := cmd.Flags().GetBool("download"); download {
			path := cfg.Detector.ModelPath
			if path == "" {
				path = models.GetDetectionModelPath(modelsDir)
			}
			if err := models.EnsureModel(cmd.Context(), afero.NewOsFs(), path, cfg.Detector.ModelURL, nil); err != nil {
				return err
			}
		}
		return listModels(cmd.OutOrStdout(), modelsDir)
	},
}

func init() {
	rootCmd.AddCommand(modelsCmd)
	modelsCmd.Flags().Bool("download", false, "download the detection model if it is missing")
}

func listModels(w io.Writer, modelsDir string) error {
	_, _ = fmt.Fprintf(w, "Models directory: %s\n\n", modelsDir)
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "NAME\tTYPE\tSTATUS\tPATH")
	for _, m := range models.ListAvailableModels() {
		path := models.ResolveModelPath(modelsDir, m.Type, m.Filename)
		status := "missing"
		if _, err := os.Stat(path); err == nil {
			status = "present"
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", m.Name, m.Type, status, path)
	}
	return tw.Flush()
}
