package imageio

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"io"
	"os"
	"path/filepath"

	"gonum.org/v1/gonum/mat"
	"gopkg.in/yaml.v3"

	"dcrcoadd/pkg/dcr"
	"dcrcoadd/pkg/exposure"
	"dcrcoadd/pkg/maskedimage"
)

const (
	metaFile    = "model.yaml"
	planeMagic  = "DCRP"
	planeFormat = 1
)

// ErrFormat is returned for files that are not subfilter planes.
var ErrFormat = errors.New("not a subfilter plane file")

type modelMeta struct {
	NumSubfilters int                      `yaml:"numSubfilters"`
	Filter        *exposure.FilterProperty `yaml:"filter,omitempty"`
	PSFSigma      float64                  `yaml:"psfSigma,omitempty"`
}

func planePath(dir string, subfilter int) string {
	return filepath.Join(dir, fmt.Sprintf("subfilter_%02d.bin", subfilter))
}

// SaveModel writes every subfilter of m to dir: a lossless .bin file and a
// stretched PNG preview each, plus model.yaml with the band and PSF.
func SaveModel(m *dcr.Model, dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create model directory: %w", err)
	}

	meta := modelMeta{NumSubfilters: m.Len(), Filter: m.Filter()}
	if psf, ok := m.PSF().(exposure.GaussianPSF); ok {
		meta.PSFSigma = psf.Sigma
	}
	data, err := yaml.Marshal(meta)
	if err != nil {
		return fmt.Errorf("error marshaling model metadata: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, metaFile), data, 0644); err != nil {
		return fmt.Errorf("error writing model metadata: %w", err)
	}

	for i := 0; i < m.Len(); i++ {
		img, err := m.At(i)
		if err != nil {
			return err
		}
		if err := SavePlanes(img, planePath(dir, i)); err != nil {
			return fmt.Errorf("subfilter %d: %w", i, err)
		}
		if err := SavePNG(img.Image(), filepath.Join(dir, fmt.Sprintf("subfilter_%02d.png", i))); err != nil {
			return fmt.Errorf("subfilter %d preview: %w", i, err)
		}
	}
	return nil
}

// LoadModel reads a model written by SaveModel.
func LoadModel(dir string) (*dcr.Model, error) {
	data, err := os.ReadFile(filepath.Join(dir, metaFile))
	if err != nil {
		return nil, fmt.Errorf("error reading model metadata: %w", err)
	}
	var meta modelMeta
	if err := yaml.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("error parsing model metadata: %w", err)
	}

	var psf exposure.PSF
	if meta.PSFSigma > 0 {
		psf = exposure.GaussianPSF{Sigma: meta.PSFSigma}
	}
	loader := dcr.LoaderFunc(func(subfilter int) (*exposure.Exposure, error) {
		img, err := LoadPlanes(planePath(dir, subfilter))
		if err != nil {
			return nil, err
		}
		return &exposure.Exposure{MaskedImage: img, Filter: meta.Filter, PSF: psf}, nil
	})
	return dcr.FromStorage(meta.NumSubfilters, loader)
}

// SavePlanes writes the value, variance and mask planes of img with its
// bounding box.
func SavePlanes(img *maskedimage.MaskedImage, filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("failed to create plane file: %w", err)
	}
	defer file.Close()

	w := bufio.NewWriter(file)
	bbox := img.BBox()
	header := []int64{planeFormat, int64(bbox.Min.X), int64(bbox.Min.Y), int64(bbox.Max.X), int64(bbox.Max.Y)}
	if _, err := w.WriteString(planeMagic); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, header); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}
	for _, plane := range []*mat.Dense{img.Image(), img.Variance()} {
		if _, err := plane.MarshalBinaryTo(w); err != nil {
			return fmt.Errorf("failed to write plane: %w", err)
		}
	}
	for y := bbox.Min.Y; y < bbox.Max.Y; y++ {
		if err := binary.Write(w, binary.LittleEndian, img.Mask().Row(y)); err != nil {
			return fmt.Errorf("failed to write mask: %w", err)
		}
	}
	return w.Flush()
}

// LoadPlanes reads a file written by SavePlanes.
func LoadPlanes(filename string) (*maskedimage.MaskedImage, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	r := bufio.NewReader(file)

	magic := make([]byte, len(planeMagic))
	if _, err := io.ReadFull(r, magic); err != nil || string(magic) != planeMagic {
		return nil, fmt.Errorf("%w: %s", ErrFormat, filename)
	}
	header := make([]int64, 5)
	if err := binary.Read(r, binary.LittleEndian, header); err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
	if header[0] != planeFormat {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrFormat, header[0])
	}
	bbox := image.Rect(int(header[1]), int(header[2]), int(header[3]), int(header[4]))

	var values, variance mat.Dense
	for _, plane := range []*mat.Dense{&values, &variance} {
		if _, err := plane.UnmarshalBinaryFrom(r); err != nil {
			return nil, fmt.Errorf("failed to read plane: %w", err)
		}
	}
	mask := maskedimage.NewMask(bbox)
	for y := bbox.Min.Y; y < bbox.Max.Y; y++ {
		if err := binary.Read(r, binary.LittleEndian, mask.Row(y)); err != nil {
			return nil, fmt.Errorf("failed to read mask: %w", err)
		}
	}
	return maskedimage.FromPlanes(bbox, &values, &variance, mask)
}
