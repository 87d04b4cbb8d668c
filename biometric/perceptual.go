package biometric

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"image"
	"math/bits"

	// decoders for the accepted sample formats
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"

	"github.com/vocdoni/ballot-integrity/types"
)

const (
	// GridSize is the side of the grid a sample is reduced to.
	GridSize = 8
	// CodeBits is the length of a perceptual code.
	CodeBits = GridSize * GridSize
	// DefaultTolerance is the default number of differing bits accepted.
	DefaultTolerance = 16
)

// Perceptual is a Verifier using an average hash: the sample is reduced to
// an 8x8 grayscale grid and every cell brighter than the mean sets its bit.
type Perceptual struct {
	tolerance int
}

// NewPerceptual returns a perceptual verifier accepting up to tolerance
// differing bits. A negative tolerance selects DefaultTolerance.
func NewPerceptual(tolerance int) *Perceptual {
	if tolerance < 0 {
		tolerance = DefaultTolerance
	}
	return &Perceptual{tolerance: tolerance}
}

// Mode implements Verifier.
func (*Perceptual) Mode() types.TemplateMode {
	return types.TemplatePerceptual
}

// Code computes the perceptual code of an encoded image.
func (*Perceptual) Code(sample []byte) (uint64, error) {
	if len(sample) == 0 {
		return 0, fmt.Errorf("%w: empty sample", ErrMalformedSample)
	}
	img, _, err := image.Decode(bytes.NewReader(sample))
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrMalformedSample, err)
	}
	return averageHash(img), nil
}

func averageHash(img image.Image) uint64 {
	grid := image.NewGray(image.Rect(0, 0, GridSize, GridSize))
	draw.CatmullRom.Scale(grid, grid.Bounds(), img, img.Bounds(), draw.Src, nil)
	var sum int
	for _, p := range grid.Pix {
		sum += int(p)
	}
	// compare p*64 > sum instead of p > sum/64 to stay in integers
	var code uint64
	for i, p := range grid.Pix {
		if int(p)*CodeBits > sum {
			code |= 1 << (CodeBits - 1 - i)
		}
	}
	return code
}

// Distance returns the Hamming distance between two codes.
func Distance(a, b uint64) int {
	return bits.OnesCount64(a ^ b)
}

func (p *Perceptual) withinTolerance(a, b uint64) bool {
	return Distance(a, b) <= p.tolerance
}

// Enroll implements Verifier.
func (p *Perceptual) Enroll(_ context.Context, sample []byte) (*types.BiometricTemplate, error) {
	code, err := p.Code(sample)
	if err != nil {
		return nil, err
	}
	return &types.BiometricTemplate{
		Mode: types.TemplatePerceptual,
		Code: binary.BigEndian.AppendUint64(nil, code),
	}, nil
}

// Match implements Verifier.
func (p *Perceptual) Match(_ context.Context, sample []byte, tmpl *types.BiometricTemplate) (bool, error) {
	code, err := p.Code(sample)
	if err != nil {
		return false, err
	}
	if tmpl == nil || tmpl.Mode != types.TemplatePerceptual || len(tmpl.Code) != CodeBits/8 {
		return false, nil
	}
	return p.withinTolerance(code, binary.BigEndian.Uint64(tmpl.Code)), nil
}
