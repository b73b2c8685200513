package audio

import (
	"errors"
	"fmt"
	"math"

	"github.com/dh1tw/gosamplerate"
)

// ErrResample reports a failed sample rate conversion.
var ErrResample = errors.New("resample failed")

// Converter is the libsamplerate mode used for every conversion.
const Converter = gosamplerate.SRC_SINC_MEDIUM_QUALITY

// Resample converts mono samples from one rate to another with a band-limited
// sinc converter. When the rates are equal the input slice is returned as is.
// The result holds at most ExpectedLength samples; it is never padded.
func Resample(samples []float32, fromRate, toRate int) ([]float32, error) {
	if fromRate == toRate {
		return samples, nil
	}
	if fromRate <= 0 || toRate <= 0 {
		return nil, fmt.Errorf("%w: invalid rates %d -> %d", ErrResample, fromRate, toRate)
	}
	if len(samples) == 0 {
		return []float32{}, nil
	}

	ratio := float64(toRate) / float64(fromRate)
	generated, err := gosamplerate.Simple(samples, ratio, 1, Converter)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrResample, err)
	}

	if want := ExpectedLength(len(samples), fromRate, toRate); len(generated) > want {
		generated = generated[:want]
	}
	return generated, nil
}

// ExpectedLength is round(n * toRate / fromRate).
func ExpectedLength(n, fromRate, toRate int) int {
	if fromRate <= 0 {
		return 0
	}
	return int(math.Round(float64(n) * float64(toRate) / float64(fromRate)))
}
