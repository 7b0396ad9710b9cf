package services

import (
	"math"

	"github.com/trobanga/mediaflow/internal/models"
)

// SelectExemplar picks the representative detection of a track. Detections
// are expected in frame order. ok is false for a track without detections.
//
//	FIRST      first detection
//	LAST       last detection
//	MIDDLE     detection closest to the frame midpoint of the track, earliest wins ties
//	CONFIDENCE highest confidence, earliest wins ties
func SelectExemplar(track models.Track, policy models.ExemplarPolicy) (models.Detection, bool) {
	dets := track.Detections
	if len(dets) == 0 {
		return models.Detection{}, false
	}

	switch policy {
	case models.ExemplarFirst:
		return dets[0], true
	case models.ExemplarLast:
		return dets[len(dets)-1], true
	case models.ExemplarMiddle:
		mid := float64(dets[0].OffsetFrame+dets[len(dets)-1].OffsetFrame) / 2
		best := 0
		bestDist := math.Inf(1)
		for i, d := range dets {
			dist := math.Abs(float64(d.OffsetFrame) - mid)
			if dist < bestDist {
				best, bestDist = i, dist
			}
		}
		return dets[best], true
	default:
		best := 0
		for i, d := range dets {
			if d.Confidence > dets[best].Confidence {
				best = i
			}
		}
		return dets[best], true
	}
}
