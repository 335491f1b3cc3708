package loader

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg" // register decoders for image.DecodeConfig
	_ "image/png"
	"io/fs"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/banshee-data/scenechange/internal/fsutil"
	"github.com/banshee-data/scenechange/internal/scene"
)

// YOLOLoader reads YOLO text labels laid out one directory per image:
//
//	<dataset>/<image>/<image>.jpg
//	<dataset>/<image>/labels/<image>.txt
//
// Each label line is "class cx cy w h [conf]" with box values normalised to
// the image size. A missing confidence column means 1.
type YOLOLoader struct {
	fs             fsutil.FileSystem
	fallbackWidth  int
	fallbackHeight int
}

// NewYOLOLoader creates a YOLO loader.
func NewYOLOLoader(opts Options) *YOLOLoader {
	return &YOLOLoader{
		fs:             opts.fs(),
		fallbackWidth:  opts.FallbackWidth,
		fallbackHeight: opts.FallbackHeight,
	}
}

var imageExtensions = []string{".jpg", ".jpeg", ".png"}

const labelsDir = "labels"

// ImagePaths lists <dataset>/<image>/<image-file> for every image directory.
func (l *YOLOLoader) ImagePaths(dataset string) ([]string, error) {
	return l.collect(dataset, "", isImageFile)
}

// LabelPaths lists <dataset>/<image>/labels/*.txt.
func (l *YOLOLoader) LabelPaths(dataset string) ([]string, error) {
	return l.collect(dataset, labelsDir, func(name string) bool {
		return strings.EqualFold(filepath.Ext(name), ".txt")
	})
}

func (l *YOLOLoader) collect(dataset, sub string, keep func(string) bool) ([]string, error) {
	entries, err := l.fs.ReadDir(dataset)
	if err != nil {
		return nil, fmt.Errorf("list dataset %s: %w", dataset, err)
	}

	var paths []string
	for _, e := range entries {
		if !e.IsDir() || isHidden(e.Name()) {
			continue
		}
		dir := filepath.Join(dataset, e.Name(), sub)
		files, err := l.fs.ReadDir(dir)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", dir, err)
		}
		for _, f := range files {
			if f.IsDir() || isHidden(f.Name()) || !keep(f.Name()) {
				continue
			}
			paths = append(paths, filepath.Join(dir, f.Name()))
		}
	}
	sort.Strings(paths)
	return paths, nil
}

// ImageID returns the file name without its extension.
func (l *YOLOLoader) ImageID(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// ReadLabels parses a label file and scales boxes to pixels using the size of
// the sibling image.
func (l *YOLOLoader) ReadLabels(path string) ([]scene.Detection, error) {
	data, err := l.fs.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read labels: %w", err)
	}

	width, height, err := l.imageSize(path)
	if err != nil {
		return nil, err
	}

	var detections []scene.Detection
	scanner := bufio.NewScanner(bytes.NewReader(data))
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		det, err := parseYOLOLine(line, float64(width), float64(height))
		if err != nil {
			return nil, fmt.Errorf("%s:%d: %w", filepath.Base(path), lineNo, err)
		}
		detections = append(detections, det)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan labels: %w", err)
	}
	return detections, nil
}

func parseYOLOLine(line string, width, height float64) (scene.Detection, error) {
	fields := strings.Fields(line)
	if len(fields) != 5 && len(fields) != 6 {
		return scene.Detection{}, fmt.Errorf("%w: expected 5 or 6 fields, got %d", scene.ErrInvalidDetection, len(fields))
	}

	var vals [5]float64
	vals[4] = 1
	for i, f := range fields[1:] {
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return scene.Detection{}, fmt.Errorf("%w: field %d: %v", scene.ErrInvalidDetection, i+2, err)
		}
		vals[i] = v
	}

	return scene.Detection{
		Box:        scene.BoxFromCenter(vals[0]*width, vals[1]*height, vals[2]*width, vals[3]*height),
		ClassID:    fields[0],
		Confidence: vals[4],
	}, nil
}

// imageSize reads the dimensions of the image that owns a label file, falling
// back to the configured size.
func (l *YOLOLoader) imageSize(labelPath string) (int, int, error) {
	imageDir := filepath.Dir(filepath.Dir(labelPath))
	id := l.ImageID(labelPath)

	var decodeErr error
	for _, ext := range imageExtensions {
		for _, name := range []string{id + ext, id + strings.ToUpper(ext)} {
			data, err := l.fs.ReadFile(filepath.Join(imageDir, name))
			if err != nil {
				continue
			}
			cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
			if err != nil {
				decodeErr = fmt.Errorf("decode %s: %w", name, err)
				continue
			}
			return cfg.Width, cfg.Height, nil
		}
	}

	if l.fallbackWidth > 0 && l.fallbackHeight > 0 {
		return l.fallbackWidth, l.fallbackHeight, nil
	}
	if decodeErr != nil {
		return 0, 0, decodeErr
	}
	return 0, 0, fmt.Errorf("no image found for %q in %s and no fallback size configured", id, imageDir)
}

func isImageFile(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, e := range imageExtensions {
		if ext == e {
			return true
		}
	}
	return false
}

func isHidden(name string) bool {
	return strings.HasPrefix(name, ".")
}
