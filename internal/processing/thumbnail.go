package processing

import (
	"cmp"
	"math"
	"slices"

	"reposter/internal/models"
)

// Cover selection targets.
const (
	ThumbnailTargetSize  = 1280
	ThumbnailTargetRatio = 16.0 / 9.0
)

type thumbnailRank struct {
	category  int
	distance  int
	ratioDiff float64
	area      int
}

func rankThumbnail(img models.CoverSize, target int, ratio float64) thumbnailRank {
	longer := max(img.Width, img.Height)
	r := thumbnailRank{area: img.Width * img.Height}
	switch {
	case longer == target:
		r.category = 0
	case longer > target:
		r.category, r.distance = 1, longer-target
	default:
		r.category, r.distance = 2, target-longer
	}
	aspect := 0.0
	if img.Height != 0 {
		aspect = float64(img.Width) / float64(img.Height)
	}
	r.ratioDiff = math.Abs(aspect - ratio)
	return r
}

// SelectThumbnail picks the cover closest to target on the longer edge.
// Unpadded images are preferred; ties fall to the smaller aspect deviation
// from ratio, then to the larger area. Equal candidates keep input order.
func SelectThumbnail(images []models.CoverSize, target int, ratio float64) (models.CoverSize, bool) {
	if len(images) == 0 {
		return models.CoverSize{}, false
	}
	var unpadded, padded []models.CoverSize
	for _, img := range images {
		if img.WithPadding != 0 {
			padded = append(padded, img)
		} else {
			unpadded = append(unpadded, img)
		}
	}
	candidates := unpadded
	if len(candidates) == 0 {
		candidates = padded
	}

	slices.SortStableFunc(candidates, func(a, b models.CoverSize) int {
		ra, rb := rankThumbnail(a, target, ratio), rankThumbnail(b, target, ratio)
		if c := cmp.Compare(ra.category, rb.category); c != 0 {
			return c
		}
		if c := cmp.Compare(ra.distance, rb.distance); c != 0 {
			return c
		}
		if c := cmp.Compare(ra.ratioDiff, rb.ratioDiff); c != 0 {
			return c
		}
		return cmp.Compare(rb.area, ra.area)
	})
	return candidates[0], true
}
