package detector

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yalue/onnxruntime_go"
)

func TestMatchOutputs(t *testing.T) {
	infos := []onnxruntime_go.InputOutputInfo{
		{Name: "num_detections:0"},
		{Name: "detection_scores:0"},
		{Name: "detection_boxes:0"},
		{Name: "detection_classes:0"},
	}
	names, err := matchOutputs(infos)
	require.NoError(t, err)
	assert.Equal(t, "detection_boxes:0", names[outBoxes])
	assert.Equal(t, "detection_classes:0", names[outClasses])
	assert.Equal(t, "detection_scores:0", names[outScores])
	assert.Equal(t, "num_detections:0", names[outCount])

	_, err = matchOutputs(infos[:3])
	assert.ErrorContains(t, err, "classes")
}

func TestDecodeSSD(t *testing.T) {
	boxes := []float32{0.1, 0.2, 0.3, 0.4, 0.5, 0.5, 0.9, 0.9, 0, 0, 0, 0}
	classes := []float32{1, 18, 0}
	scores := []float32{0.9, 0.6, 0}

	cands, err := decodeSSD(boxes, classes, scores, 2)
	require.NoError(t, err)
	require.Len(t, cands, 2)
	assert.Equal(t, 18, cands[1].Class)
	assert.InDelta(t, 0.6, cands[1].Score, 1e-6)
	assert.InDeltaSlice(t, []float64{0.1, 0.2, 0.3, 0.4}, cands[0].Box[:], 1e-6)

	// A count larger than the padded outputs is clamped.
	cands, err = decodeSSD(boxes, classes, scores, 10)
	require.NoError(t, err)
	assert.Len(t, cands, 3)

	_, err = decodeSSD(boxes[:8], classes, scores, 2)
	assert.Error(t, err)
	_, err = decodeSSD(boxes, classes, scores, -1)
	assert.Error(t, err)
}

func TestWarmup(t *testing.T) {
	m := &fakeModel{}
	require.NoError(t, warmup(m, 0))
	assert.Zero(t, m.calls.Load())

	require.NoError(t, warmup(m, 3))
	assert.EqualValues(t, 3, m.calls.Load())
	assert.Equal(t, warmupWidth, m.lastWidth)
}
