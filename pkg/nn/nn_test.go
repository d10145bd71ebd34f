package nn

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/chewxy/math32"
	"github.com/stretchr/testify/require"
)

func TestArgMax(t *testing.T) {
	// 3 classes, 4 pixels
	scores := []float32{
		0.1, 0.9, 0.5, 0.2, // class 0
		0.8, 0.1, 0.5, 0.2, // class 1
		0.3, 0.2, 0.1, 0.7, // class 2
	}
	mask := make([]uint8, 4)
	require.NoError(t, ArgMax(scores, 3, mask))
	// pixel 2 is a tie between class 0 and 1, so the lowest class wins
	require.Equal(t, []uint8{1, 0, 0, 2}, mask)
}

func TestArgMaxNaN(t *testing.T) {
	nan := math32.NaN()
	scores := []float32{
		nan, 0.1,
		0.5, nan,
	}
	mask := make([]uint8, 2)
	require.NoError(t, ArgMax(scores, 2, mask))
	require.Equal(t, []uint8{1, 0}, mask)
}

func TestArgMaxBadShape(t *testing.T) {
	mask := make([]uint8, 4)
	require.ErrorIs(t, ArgMax(make([]float32, 7), 2, mask), ErrInference)
	require.ErrorIs(t, ArgMax(make([]float32, 257*4), 257, mask), ErrInference)
	require.ErrorIs(t, ArgMax(nil, 0, mask), ErrInference)
}

func TestScoreDims(t *testing.T) {
	n, w, h, err := ScoreDims([]int64{1, 19, 192, 640})
	require.NoError(t, err)
	require.Equal(t, []int{19, 640, 192}, []int{n, w, h})

	n, w, h, err = ScoreDims([]int64{19, 192, 640})
	require.NoError(t, err)
	require.Equal(t, []int{19, 640, 192}, []int{n, w, h})

	_, _, _, err = ScoreDims([]int64{2, 19, 192, 640})
	require.ErrorIs(t, err, ErrInference)
	_, _, _, err = ScoreDims([]int64{192, 640})
	require.ErrorIs(t, err, ErrInference)
}

func TestTensorIsImage(t *testing.T) {
	require.True(t, NewTensor(1, 3, 192, 640).IsImage(3, 640, 192))
	require.True(t, NewTensor(3, 192, 640).IsImage(3, 640, 192))
	require.False(t, NewTensor(1, 3, 640, 192).IsImage(3, 640, 192))
	require.False(t, NewTensor(2, 3, 192, 640).IsImage(3, 640, 192))
	require.Equal(t, 0, NumElements(nil))
	require.Equal(t, 3*192*640, NumElements([]int64{1, 3, 192, 640}))
}

func TestClassMaskSetAt(t *testing.T) {
	m := NewClassMask(4, 3)
	m.Set(1, 1, 7)
	m.Set(3, 2, 2)
	require.Equal(t, []uint8{
		0, 0, 0, 0,
		0, 7, 0, 0,
		0, 0, 0, 2,
	}, m.IDs)
	require.Equal(t, uint8(7), m.At(1, 1))
	require.Equal(t, uint8(2), m.At(3, 2))
}

func TestModelConfig(t *testing.T) {
	dir := t.TempDir()
	fn := filepath.Join(dir, "model.json")
	require.NoError(t, os.WriteFile(fn, []byte(`{"architecture": "bisenet", "width": 640, "height": 192, "classes": ["a", "b"], "outputName": "logits"}`), 0644))
	cfg, err := LoadModelConfig(fn)
	require.NoError(t, err)
	require.Equal(t, "bisenet", cfg.Architecture)
	require.Equal(t, 2, cfg.NumClasses())
	require.Equal(t, "input", cfg.InputTensorName())
	require.Equal(t, "logits", cfg.OutputTensorName())

	_, err = LoadModelConfig(filepath.Join(dir, "missing.json"))
	require.True(t, os.IsNotExist(err))

	def := DefaultModelConfig()
	require.Equal(t, 19, def.NumClasses())
	require.Equal(t, 640, def.Width)
	require.Equal(t, 192, def.Height)
}

func TestLoadClassFile(t *testing.T) {
	dir := t.TempDir()
	fn := filepath.Join(dir, "classes.txt")
	require.NoError(t, os.WriteFile(fn, []byte("# cityscapes\nroad\n sidewalk \nbuilding\n\n"), 0644))
	classes, err := LoadClassFile(fn)
	require.NoError(t, err)
	require.Equal(t, []string{"road", "sidewalk", "building"}, classes)

	// A gap would shift every class ID after it
	gap := filepath.Join(dir, "gap.txt")
	require.NoError(t, os.WriteFile(gap, []byte("road\n\nsidewalk\n"), 0644))
	_, err = LoadClassFile(gap)
	require.Error(t, err)

	_, err = LoadClassFile(filepath.Join(dir, "missing.txt"))
	require.True(t, os.IsNotExist(err))
}
