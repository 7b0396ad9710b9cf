package services

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/trobanga/mediaflow/internal/models"
)

func detections(frames []int, confidences []float64) models.Track {
	var t models.Track
	for i, f := range frames {
		t.Detections = append(t.Detections, models.Detection{OffsetFrame: f, Confidence: confidences[i]})
	}
	return t
}

func TestSelectExemplar(t *testing.T) {
	tests := []struct {
		name      string
		track     models.Track
		policy    models.ExemplarPolicy
		wantFrame int
	}{
		{"first", detections([]int{1, 2, 3}, []float64{0.1, 0.9, 0.2}), models.ExemplarFirst, 1},
		{"last", detections([]int{1, 2, 3}, []float64{0.1, 0.9, 0.2}), models.ExemplarLast, 3},
		{"middle exact", detections([]int{0, 5, 10}, []float64{0.1, 0.1, 0.1}), models.ExemplarMiddle, 5},
		{"middle nearest", detections([]int{0, 3, 9, 10}, []float64{0.1, 0.1, 0.1, 0.1}), models.ExemplarMiddle, 3},
		{"middle tie prefers earliest", detections([]int{0, 4, 6, 10}, []float64{0.1, 0.1, 0.1, 0.1}), models.ExemplarMiddle, 4},
		{"confidence", detections([]int{1, 2, 3}, []float64{0.1, 0.9, 0.2}), models.ExemplarConfidence, 2},
		{"confidence tie prefers earliest", detections([]int{1, 2, 3}, []float64{0.9, 0.9, 0.2}), models.ExemplarConfidence, 1},
		{"unknown policy uses confidence", detections([]int{1, 2}, []float64{0.1, 0.8}), models.ParseExemplarPolicy("BEST"), 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := SelectExemplar(tt.track, tt.policy)
			require.True(t, ok)
			assert.Equal(t, tt.wantFrame, got.OffsetFrame)
		})
	}
}

func TestSelectExemplar_EmptyTrack(t *testing.T) {
	_, ok := SelectExemplar(models.Track{}, models.ExemplarFirst)
	assert.False(t, ok)
}
