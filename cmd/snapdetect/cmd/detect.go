package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/MeKo-Tech/snapdetect/internal/acquire"
	"github.com/MeKo-Tech/snapdetect/internal/config"
	"github.com/MeKo-Tech/snapdetect/internal/display"
	"github.com/MeKo-Tech/snapdetect/internal/pipeline"
)

const (
	formatJSON = "json"
	formatText = "text"
)

// detectCmd runs one selection of an image file.
var detectCmd = &cobra.Command{
	Use:   "detect <image>",
	Short: "Detect objects in an image",
	Long: `Detect objects in an image file and print the predictions mapped into
the display square.

Examples:
  snapdetect detect photo.jpg
  snapdetect detect photo.jpg --format text
  snapdetect detect photo.jpg --overlay boxes.png --min-score 0.6`,
	Args: cobra.ExactArgs(1),
	PreRunE: func(cmd *cobra.Command, args []string) error {
		return bindFlags(cmd.Flags(), map[string]string{
			"format":       "output.format",
			"min-score":    "detector.min_score",
			"max-boxes":    "detector.max_boxes",
			"model":        "detector.model_path",
			"target-width": "preprocess.target_width",
			"aspect":       "pick.aspect",
		})
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := GetConfig()
		if err != nil {
			return err
		}
		overlay, _ := cmd.Flags().GetString("overlay")

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		pl, err := startPipeline(ctx, cfg)
		if err != nil {
			return err
		}
		defer func() { _ = pl.Close() }()

		res, err := pl.DetectFile(ctx, args[0])
		if err != nil {
			return selectionError(cmd.ErrOrStderr(), res, err)
		}

		if overlay != "" {
			if err := writeOverlay(overlay, res, pl.Config().Display); err != nil {
				return err
			}
			slog.Info("Overlay written", "path", overlay)
		}
		return writeResult(cmd.OutOrStdout(), cfg.Output.Format, res)
	},
}

func init() {
	rootCmd.AddCommand(detectCmd)
	detectCmd.Flags().StringP("format", "f", formatJSON, "output format (json, text)")
	detectCmd.Flags().String("overlay", "", "write the display square with boxes to this PNG file")
	detectCmd.Flags().Float64("min-score", 0.5, "minimum prediction score (0..1)")
	detectCmd.Flags().Int("max-boxes", 20, "maximum number of predictions")
	detectCmd.Flags().String("model", "", "override detection model path")
	detectCmd.Flags().Int("target-width", 900, "width the image is resized to before detection")
	detectCmd.Flags().String("aspect", "4:3", "crop aspect hint W:H, or free")
}

// startPipeline builds the pipeline and blocks until the runtime and the
// model are both ready.
func startPipeline(ctx context.Context, cfg *config.Config) (*pipeline.Pipeline, error) {
	pCfg, err := cfg.ToPipelineConfig()
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	pl, err := newPipeline(pCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create pipeline: %w", err)
	}

	pl.Start(ctx)
	if err := pl.Wait(ctx); err != nil {
		_ = pl.Close()
		return nil, fmt.Errorf("detector initialization failed: %w", err)
	}
	return pl, nil
}

// selectionError reports a failed selection. Dismissing the picker is not
// an error; a permission denial is reported as the standard warning.
func selectionError(w io.Writer, res pipeline.Result, err error) error {
	switch {
	case errors.Is(err, pipeline.ErrCancelled):
		slog.Info("Selection cancelled")
		return nil
	case errors.Is(err, acquire.ErrPermissionDenied):
		_, _ = fmt.Fprintln(w, acquire.PermissionWarning)
		return err
	}
	if res.Notice != "" {
		_, _ = fmt.Fprintln(w, res.Notice)
	}
	return err
}

// detectOutput is the JSON document printed for a result.
type detectOutput struct {
	pipeline.Result
	Captions []string `json:"captions"`
}

func writeResult(w io.Writer, format string, res pipeline.Result) error {
	switch format {
	case formatText:
		if len(res.Predictions) == 0 {
			_, err := fmt.Fprintln(w, "no objects detected")
			return err
		}
		for i, p := range res.Predictions {
			b := res.Boxes[i]
			if _, err := fmt.Fprintf(w, "%s\t%s\t%.1f,%.1f,%.1f,%.1f\n",
				display.FormatPrediction(p), b.Tag, b.X, b.Y, b.Width, b.Height); err != nil {
				return err
			}
		}
		return nil
	case formatJSON, "":
		out := detectOutput{Result: res, Captions: make([]string, 0, len(res.Predictions))}
		for _, p := range res.Predictions {
			out.Captions = append(out.Captions, display.FormatPrediction(p))
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	default:
		return fmt.Errorf("unsupported output format %q", format)
	}
}

func writeOverlay(path string, res pipeline.Result, opts display.OverlayOptions) error {
	if res.Prepared == nil {
		return errors.New("no prepared image to draw")
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create overlay: %w", err)
	}
	if err := display.WriteOverlayPNG(f, res.Prepared.Data, res.Boxes, res.Predictions, opts); err != nil {
		_ = f.Close()
		return fmt.Errorf("render overlay: %w", err)
	}
	return f.Close()
}
