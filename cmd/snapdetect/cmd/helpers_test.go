package cmd

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/MeKo-Tech/snapdetect/internal/detector"
	"github.com/MeKo-Tech/snapdetect/internal/pipeline"
	"github.com/MeKo-Tech/snapdetect/internal/testutil"
)

// stubModel reports one centered person for every image.
type stubModel struct{}

func (stubModel) Infer(pixels []uint8, height, width int) ([]detector.Candidate, error) {
	return []detector.Candidate{{Box: [4]float64{0.25, 0.25, 0.75, 0.75}, Class: 1, Score: 0.87}}, nil
}

func (stubModel) Close() error { return nil }

// isolate gives a test its own home, working directory and viper state,
// and resets flags left over from a previous execution.
func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("HOME", dir)
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(dir, ".config"))
	t.Chdir(dir)

	viper.Reset()
	globalConfig = nil
	configLoader = nil
	cfgFile = ""
	resetFlags(rootCmd)
	t.Cleanup(func() {
		viper.Reset()
		globalConfig = nil
		configLoader = nil
		cfgFile = ""
	})
	return dir
}

func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		_ = f.Value.Set(f.DefValue)
		f.Changed = false
	}
	cmd.Flags().VisitAll(reset)
	cmd.PersistentFlags().VisitAll(reset)
	for _, c := range cmd.Commands() {
		resetFlags(c)
	}
}

// useStubPipeline replaces the pipeline constructor with one that needs no
// ONNX Runtime.
func useStubPipeline(t *testing.T, dir string) {
	t.Helper()
	modelPath := testutil.WriteModel(t, afero.NewOsFs(), filepath.Join(dir, "model.onnx"))

	orig := newPipeline
	newPipeline = func(cfg pipeline.Config) (*pipeline.Pipeline, error) {
		return pipeline.NewBuilder().
			WithConfig(cfg).
			WithFs(afero.NewOsFs()).
			WithCacheDir(filepath.Join(dir, "cache")).
			WithDetectorModelPath(modelPath).
			WithRuntimeOptions(
				detector.WithEnvironment(func(context.Context, detector.Config) error { return nil }, nil),
				detector.WithLoader(func(context.Context, detector.Config) (detector.Model, error) { return stubModel{}, nil }),
			).
			Build()
	}
	t.Cleanup(func() { newPipeline = orig })
}

// execute runs the root command and returns stdout and stderr.
func execute(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	rootCmd.SetOut(&stdout)
	rootCmd.SetErr(&stderr)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		rootCmd.SetArgs(nil)
	})
	err := rootCmd.ExecuteContext(context.Background())
	return stdout.String(), stderr.String(), err
}
