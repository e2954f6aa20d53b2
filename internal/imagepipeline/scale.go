package imagepipeline

import (
	"bytes"
	"image"
	_ "image/gif"  // register GIF decoder
	_ "image/jpeg" // register JPEG decoder
	_ "image/png"  // register PNG decoder
	"math"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp" // register WebP decoder

	"github.com/tphakala/feedimages/internal/errors"
)

// maxUpscale bounds enlargement of small sources; past it the native size is
// served rather than a blurrier image.
const maxUpscale = 2.0

// decodeImage decodes JPEG, PNG, GIF or WebP bytes.
func decodeImage(data []byte) (image.Image, string, error) {
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", errors.New(err).
			Component("imagepipeline").
			Category(errors.CategoryImageDecode).
			Context("bytes", len(data)).
			Build()
	}
	return img, format, nil
}

// effectiveSize converts a logical target size to device pixels.
func effectiveSize(w, h int, scale float64) (int, int) {
	if scale < 1 || math.IsNaN(scale) {
		scale = 1
	}
	return int(math.Ceil(float64(w) * scale)), int(math.Ceil(float64(h) * scale))
}

// fitSize computes the output dimensions for an sw×sh source rendered into a
// tw×th box. Larger sources shrink to fit preserving aspect ratio; smaller
// sources grow by at most maxUpscale.
func fitSize(sw, sh, tw, th int) (int, int) {
	if sw <= 0 || sh <= 0 || tw <= 0 || th <= 0 {
		return sw, sh
	}

	ratio := math.Min(float64(tw)/float64(sw), float64(th)/float64(sh))
	if ratio > maxUpscale {
		ratio = maxUpscale
	}

	w := max(1, int(math.Round(float64(sw)*ratio)))
	h := max(1, int(math.Round(float64(sh)*ratio)))
	return w, h
}

// scaleToFit resamples src for a tw×th device-pixel target.
func scaleToFit(src image.Image, tw, th int) image.Image {
	b := src.Bounds()
	w, h := fitSize(b.Dx(), b.Dy(), tw, th)
	if w == b.Dx() && h == b.Dy() {
		return src
	}

	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	var scaler draw.Scaler = draw.CatmullRom
	if w*h > b.Dx()*b.Dy() {
		scaler = draw.ApproxBiLinear
	}
	scaler.Scale(dst, dst.Bounds(), src, b, draw.Src, nil)
	return dst
}

// decodeAndScale is the common decode path for disk and network bytes.
func decodeAndScale(data []byte, w, h int, scale float64) (image.Image, error) {
	img, _, err := decodeImage(data)
	if err != nil {
		return nil, err
	}
	tw, th := effectiveSize(w, h, scale)
	return scaleToFit(img, tw, th), nil
}
