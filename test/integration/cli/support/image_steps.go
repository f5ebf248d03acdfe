package support

import (
	"fmt"
	"os"

	"github.com/cucumber/godog"
	"github.com/disintegration/imaging"

	"github.com/MeKo-Tech/snapdetect/internal/testutil"
)

func (testCtx *TestContext) aPhotoOfSize(name string, width, height int) error {
	img := testutil.GenerateScene(testutil.SceneConfig{
		Size:       testutil.ImageSize{Width: width, Height: height},
		Background: testutil.DefaultSceneConfig().Background,
	})
	if err := imaging.Save(img, testCtx.Path(name), imaging.JPEGQuality(90)); err != nil {
		return fmt.Errorf("save %s: %w", name, err)
	}
	return nil
}

func (testCtx *TestContext) aFileContaining(name, content string) error {
	return os.WriteFile(testCtx.Path(name), []byte(content), 0o600)
}

func (testCtx *TestContext) aCorruptJPEG(name string) error {
	return os.WriteFile(testCtx.Path(name), testutil.CorruptJPEG, 0o600)
}

// RegisterImageSteps registers steps that create input files.
func (testCtx *TestContext) RegisterImageSteps(sc *godog.ScenarioContext) {
	sc.Step(`^a (\d+)x(\d+) photo "([^"]*)"$`, func(w, h int, name string) error {
		return testCtx.aPhotoOfSize(name, w, h)
	})
	sc.Step(`^a file "([^"]*)" containing "([^"]*)"$`, testCtx.aFileContaining)
	sc.Step(`^a corrupt JPEG "([^"]*)"$`, testCtx.aCorruptJPEG)
}
