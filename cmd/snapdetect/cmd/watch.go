package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/MeKo-Tech/snapdetect/internal/acquire"
	"github.com/MeKo-Tech/snapdetect/internal/pipeline"
)

// watchCmd treats a directory as the picker: every image dropped into it
// becomes the new selection.
var watchCmd = &cobra.Command{
	Use:   "watch <dir>",
	Short: "Detect objects in images dropped into a directory",
	Long: `Watch a directory and run detection for every image written into it.
Each new image supersedes the previous selection. Stop with Ctrl-C.

Examples:
  snapdetect watch ./inbox
  snapdetect watch ./inbox --format text --settle 500`,
	Args: cobra.ExactArgs(1),
	PreRunE: func(cmd *cobra.Command, args []string) error {
		return bindFlags(cmd.Flags(), map[string]string{
			"format":    "output.format",
			"min-score": "detector.min_score",
			"settle":    "watch.settle_ms",
		})
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := GetConfig()
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		pl, err := startPipeline(ctx, cfg)
		if err != nil {
			return err
		}
		defer func() { _ = pl.Close() }()

		picker, err := acquire.NewWatchPicker(args[0], watchPermissions(args[0]), cfg.SettleDuration())
		if err != nil {
			return err
		}
		defer func() { _ = picker.Close() }()

		slog.Info("Watching for images", "dir", args[0])
		return watchLoop(ctx, pl.NewSession(), picker, cmd.OutOrStdout(), cmd.ErrOrStderr(), cfg.Output.Format)
	},
}

func init() {
	rootCmd.AddCommand(watchCmd)
	watchCmd.Flags().StringP("format", "f", formatText, "output format (json, text)")
	watchCmd.Flags().Float64("min-score", 0.5, "minimum prediction score (0..1)")
	watchCmd.Flags().Int("settle", 200, "milliseconds a dropped file must stay unchanged before it is picked")
}

// watchPermissions grants media access only while the watched directory
// can be listed.
func watchPermissions(dir string) *acquire.Permissions {
	return acquire.NewPermissions(acquire.DirPermission(afero.NewOsFs(), dir))
}

// watchLoop runs selections until the picker is cancelled. Stage failures
// are reported and the loop keeps going. A permission denial ends it.
func watchLoop(ctx context.Context, session *pipeline.Session, picker acquire.Picker, out, errOut io.Writer, format string) error {
	for {
		res, err := session.Select(ctx, picker)
		switch {
		case err == nil:
			if format == formatText {
				_, _ = fmt.Fprintf(out, "# %s\n", res.Source)
			}
			if err := writeResult(out, format, res); err != nil {
				return err
			}
		case errors.Is(err, pipeline.ErrCancelled):
			// Interrupted or the watcher went away.
			return nil
		case errors.Is(err, acquire.ErrPermissionDenied):
			return selectionError(errOut, res, err)
		default:
			_ = selectionError(errOut, res, err)
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}
