package changedetect

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/scenechange/internal/fsutil"
	"github.com/banshee-data/scenechange/internal/loader"
	"github.com/banshee-data/scenechange/internal/scene"
)

// ---------------------------------------------------------------------------
// Fixtures
// ---------------------------------------------------------------------------

const datasetsRoot = "/data/datasets"

// addImage lays out one YOLO image directory. The image bytes are not a real
// JPEG so the loader falls back to the configured 100x100 size.
func addImage(t *testing.T, fs *fsutil.MemoryFileSystem, dataset, id string, labels *string) {
	t.Helper()
	dir := filepath.Join(datasetsRoot, dataset, id)
	require.NoError(t, fs.WriteFile(filepath.Join(dir, id+".jpg"), []byte("not a jpeg"), 0644))
	if labels != nil {
		require.NoError(t, fs.WriteFile(filepath.Join(dir, "labels", id+".txt"), []byte(*labels), 0644))
	}
}

func strPtr(s string) *string { return &s }

func newTestDetector(t *testing.T, fs *fsutil.MemoryFileSystem, outputDir string) (*Detector, loader.ObjectDetectionLoader) {
	t.Helper()
	d, err := NewDetector(Options{
		Match:     MatchParams{MinIoU: 0.5},
		Workers:   3,
		FS:        fs,
		OutputDir: outputDir,
	})
	require.NoError(t, err)
	ld := loader.NewYOLOLoader(loader.Options{FS: fs, FallbackWidth: 100, FallbackHeight: 100})
	return d, ld
}

// ---------------------------------------------------------------------------
// ResolveDatasets
// ---------------------------------------------------------------------------

func TestResolveDatasets(t *testing.T) {
	t.Parallel()

	t.Run("before name present", func(t *testing.T) {
		t.Parallel()
		fs := fsutil.NewMemoryFileSystem()
		require.NoError(t, fs.MkdirAll("/root/after_visit", 0755))
		require.NoError(t, fs.MkdirAll("/root/before", 0755))
		require.NoError(t, fs.WriteFile("/root/README.txt", []byte("x"), 0644))
		require.NoError(t, fs.MkdirAll("/root/.cache", 0755))

		ds, err := ResolveDatasets(fs, "/root", "before")
		require.NoError(t, err)
		assert.Equal(t, "before", ds.Before)
		assert.Equal(t, "after_visit", ds.After)
		assert.Equal(t, "/root/before", ds.BeforePath())
	})

	t.Run("neither named before", func(t *testing.T) {
		t.Parallel()
		fs := fsutil.NewMemoryFileSystem()
		require.NoError(t, fs.MkdirAll("/root/a", 0755))
		require.NoError(t, fs.MkdirAll("/root/b", 0755))

		_, err := ResolveDatasets(fs, "/root", "before")
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrAmbiguousDatasets))
		assert.True(t, errors.Is(err, scene.ErrConfig))
		assert.Contains(t, err.Error(), `"a"`)
		assert.Contains(t, err.Error(), `"b"`)
	})

	t.Run("configured name matches one of a and b", func(t *testing.T) {
		t.Parallel()
		fs := fsutil.NewMemoryFileSystem()
		require.NoError(t, fs.MkdirAll("/root/a", 0755))
		require.NoError(t, fs.MkdirAll("/root/b", 0755))

		ds, err := ResolveDatasets(fs, "/root", "b")
		require.NoError(t, err)
		assert.Equal(t, "b", ds.Before)
		assert.Equal(t, "a", ds.After)
	})

	t.Run("wrong directory count", func(t *testing.T) {
		t.Parallel()
		for _, dirs := range [][]string{{"before"}, {"before", "after", "extra"}} {
			fs := fsutil.NewMemoryFileSystem()
			for _, d := range dirs {
				require.NoError(t, fs.MkdirAll(filepath.Join("/root", d), 0755))
			}
			_, err := ResolveDatasets(fs, "/root", "before")
			assert.True(t, errors.Is(err, ErrDatasetCount), "dirs %v: %v", dirs, err)
			assert.True(t, errors.Is(err, scene.ErrConfig))
		}
	})

	t.Run("missing root", func(t *testing.T) {
		t.Parallel()
		_, err := ResolveDatasets(fsutil.NewMemoryFileSystem(), "/nope", "before")
		assert.True(t, errors.Is(err, scene.ErrConfig))
	})
}

// ---------------------------------------------------------------------------
// RunAll
// ---------------------------------------------------------------------------

func TestRunAll(t *testing.T) {
	t.Parallel()
	fs := fsutil.NewMemoryFileSystem()

	// img_1: chair stays put, lamp disappears, plant appears.
	addImage(t, fs, "before", "img_1", strPtr("chair 0.5 0.5 0.2 0.2 0.9\nlamp 0.1 0.1 0.1 0.1\n"))
	addImage(t, fs, "after", "img_1", strPtr("chair 0.51 0.5 0.2 0.2 0.8\nplant 0.8 0.8 0.1 0.1 0.7\n"))
	// img_2 only before, img_3 only after.
	addImage(t, fs, "before", "img_2", strPtr("chair 0.5 0.5 0.2 0.2\n"))
	addImage(t, fs, "after", "img_3", strPtr("chair 0.5 0.5 0.2 0.2\n"))

	d, ld := newTestDetector(t, fs, "/results")
	res, err := d.RunAll(context.Background(), datasetsRoot, ld, "before")
	require.NoError(t, err)

	assert.Equal(t, "before", res.BeforeName)
	assert.Equal(t, "after", res.AfterName)
	assert.Equal(t, []string{"img_1"}, res.ImageIDs())
	assert.Empty(t, res.Failed)

	r := res.Results["img_1"]
	require.Len(t, r.Unchanged, 1)
	assert.Equal(t, "chair", r.Unchanged[0].ClassID)
	require.Len(t, r.Disappeared, 1)
	assert.Equal(t, "lamp", r.Disappeared[0].ClassID)
	assert.Equal(t, 1.0, r.Disappeared[0].Confidence, "missing confidence column defaults to 1")
	require.Len(t, r.Appeared, 1)
	assert.Equal(t, "plant", r.Appeared[0].ClassID)

	require.Len(t, res.Skipped, 2)
	assert.Equal(t, SkippedImage{ImageID: "img_2", PresentIn: "before", Reason: "missing from after"}, res.Skipped[0])
	assert.Equal(t, SkippedImage{ImageID: "img_3", PresentIn: "after", Reason: "missing from before"}, res.Skipped[1])

	loaded, err := LoadResult(fs, "/results/"+ResultFileName)
	require.NoError(t, err)
	assert.Equal(t, res, loaded)
}

func TestRunAll_MalformedRecordIsolated(t *testing.T) {
	t.Parallel()
	fs := fsutil.NewMemoryFileSystem()

	addImage(t, fs, "before", "good", strPtr("chair 0.5 0.5 0.2 0.2 0.9\n"))
	addImage(t, fs, "after", "good", strPtr("chair 0.5 0.5 0.2 0.2 0.9\n"))
	addImage(t, fs, "before", "bad", strPtr("chair 0.5 0.5 0.2 0.2 0.9\n"))
	addImage(t, fs, "after", "bad", strPtr("chair 0.5 0.5 -0.2 0.2 0.9\n")) // negative width

	d, ld := newTestDetector(t, fs, "")
	res, err := d.RunAll(context.Background(), datasetsRoot, ld, "before")
	require.NoError(t, err)

	assert.Equal(t, []string{"good"}, res.ImageIDs())
	require.Len(t, res.Failed, 1)
	assert.Equal(t, "bad", res.Failed[0].ImageID)
	assert.Equal(t, scene.StageMatch, res.Failed[0].Stage)
	assert.Contains(t, res.Failed[0].Reason, "after detection 0")
}

func TestRunAll_MissingLabelFileIsEmpty(t *testing.T) {
	t.Parallel()
	fs := fsutil.NewMemoryFileSystem()

	addImage(t, fs, "before", "img_1", strPtr("chair 0.5 0.5 0.2 0.2 0.9\n"))
	addImage(t, fs, "after", "img_1", nil) // detector found nothing, wrote no file

	d, ld := newTestDetector(t, fs, "")
	res, err := d.RunAll(context.Background(), datasetsRoot, ld, "before")
	require.NoError(t, err)

	r, ok := res.Results["img_1"]
	require.True(t, ok)
	assert.Len(t, r.Disappeared, 1)
	assert.Empty(t, r.Appeared)
	require.Len(t, res.Warnings, 1)
	assert.Equal(t, "img_1", res.Warnings[0].ImageID)
}

func TestRunAll_ConfigErrorBeforeWork(t *testing.T) {
	t.Parallel()
	fs := fsutil.NewMemoryFileSystem()
	addImage(t, fs, "a", "img_1", strPtr("chair 0.5 0.5 0.2 0.2\n"))
	addImage(t, fs, "b", "img_1", strPtr("chair 0.5 0.5 0.2 0.2\n"))

	d, ld := newTestDetector(t, fs, "/results")
	_, err := d.RunAll(context.Background(), datasetsRoot, ld, "before")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAmbiguousDatasets))
	assert.False(t, fs.Exists("/results/"+ResultFileName), "no artifact on configuration error")
}

func TestRunAll_Cancelled(t *testing.T) {
	t.Parallel()
	fs := fsutil.NewMemoryFileSystem()
	addImage(t, fs, "before", "img_1", strPtr("chair 0.5 0.5 0.2 0.2\n"))
	addImage(t, fs, "after", "img_1", strPtr("chair 0.5 0.5 0.2 0.2\n"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	d, ld := newTestDetector(t, fs, "")
	_, err := d.RunAll(ctx, datasetsRoot, ld, "before")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRun_SinglePair(t *testing.T) {
	t.Parallel()
	fs := fsutil.NewMemoryFileSystem()
	addImage(t, fs, "before", "img_1", strPtr("0 0.5 0.5 0.2 0.2 0.9\n"))
	addImage(t, fs, "after", "img_1", strPtr("0 0.5 0.5 0.2 0.2 0.9\n1 0.2 0.2 0.1 0.1 0.5\n"))

	d, ld := newTestDetector(t, fs, "")
	res, err := d.Run(context.Background(), "img_1",
		filepath.Join(datasetsRoot, "before/img_1/labels/img_1.txt"),
		filepath.Join(datasetsRoot, "after/img_1/labels/img_1.txt"), ld)
	require.NoError(t, err)

	assert.Len(t, res.Unchanged, 1)
	require.Len(t, res.Appeared, 1)
	assert.Equal(t, "1", res.Appeared[0].ClassID)
	assert.InDelta(t, 15.0, res.Appeared[0].Box.X1, 1e-9)
	assert.InDelta(t, 25.0, res.Appeared[0].Box.X2, 1e-9)
}
