package detector

import (
	"github.com/MeKo-Tech/snapdetect/internal/mempool"
	"github.com/MeKo-Tech/snapdetect/internal/onnx"
)

// Warmup input size; SSD graphs accept any spatial size.
const (
	warmupWidth  = 300
	warmupHeight = 300
)

// warmup runs a number of forward passes with a black image to reduce
// first-run latency.
func warmup(m Model, iterations int) error {
	if iterations <= 0 {
		return nil
	}
	pixels := mempool.GetBytes(warmupWidth * warmupHeight * onnx.Channels)
	defer mempool.PutBytes(pixels)
	clear(pixels)

	for range iterations {
		if _, err := m.Infer(pixels, warmupHeight, warmupWidth); err != nil {
			return err
		}
	}
	return nil
}
