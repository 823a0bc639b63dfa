package repository

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/jduanen/CritterDetector/internal/db"
	"github.com/jduanen/CritterDetector/internal/model"
)

// Any captured frame is logged as a summary that reads back unchanged, and its
// distance statistics cover exactly the points with a return.
func TestFrameLogIntegrityProperty(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "framelog_test_*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	db.ResetDB()
	testDB, err := db.InitDB(filepath.Join(tmpDir, "test.db"))
	if err != nil {
		t.Fatalf("failed to init db: %v", err)
	}
	defer db.ResetDB()

	repo := NewFrameRepository(testDB)
	ctx := context.Background()

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	// Roughly one point in five has no return.
	genDistance := gen.Float64Range(-2, 8).Map(func(d float64) float64 {
		if d < 0.02 {
			return 0
		}
		return d
	})
	genPoint := gen.Struct(reflect.TypeOf(model.ScanPoint{}), map[string]gopter.Gen{
		"Angle":     gen.Float64Range(-180, 180),
		"Distance":  genDistance,
		"Intensity": gen.IntRange(0, 1023),
	})

	properties.Property("frame summaries persist and match the frame", prop.ForAll(
		func(seq int64, points []model.ScanPoint) bool {
			frame := model.ScanFrame{
				Seq:       seq,
				Timestamp: time.Now().UTC().Truncate(time.Millisecond),
				StreamID:  "stream-1",
				Points:    points,
			}
			summary := model.Summarize(frame)

			if err := repo.Create(ctx, summary); err != nil {
				t.Logf("failed to create frame: %v", err)
				return false
			}

			got, err := repo.GetByID(ctx, summary.ID)
			if err != nil {
				t.Logf("failed to get frame: %v", err)
				return false
			}
			if got.Seq != seq || got.StreamID != "stream-1" || got.Points != len(points) ||
				!got.CapturedAt.Equal(frame.Timestamp) {
				t.Logf("retrieved summary does not match: %+v", got)
				return false
			}

			returns := 0
			for _, p := range points {
				if p.Distance <= 0 {
					continue
				}
				returns++
				if p.Distance < got.MinDistance || p.Distance > got.MaxDistance {
					return false
				}
			}
			if got.Returns != returns {
				return false
			}
			if returns == 0 {
				return got.MinDistance == 0 && got.MaxDistance == 0 && got.MeanDistance == 0
			}
			return got.MeanDistance >= got.MinDistance-1e-9 && got.MeanDistance <= got.MaxDistance+1e-9 &&
				!math.IsNaN(got.MeanDistance)
		},
		gen.Int64Range(1, math.MaxInt32),
		gen.SliceOf(genPoint),
	))

	properties.TestingRun(t)
}
