package fits

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/astrogo/fitsio"

	"github.com/c360/shmview/display"
)

// pixelFormat maps a display depth tag onto the FITS BITPIX and the zero offset
// that turns the stored signed values back into the original unsigned ones.
type pixelFormat struct {
	bitpix int
	size   int
	bzero  any // nil when no offset applies
}

var formats = map[int]pixelFormat{
	8:   {bitpix: 8, size: 1},
	10:  {bitpix: 8, size: 1, bzero: -128},
	16:  {bitpix: 16, size: 2},
	20:  {bitpix: 16, size: 2, bzero: 32768},
	32:  {bitpix: 32, size: 4},
	40:  {bitpix: 32, size: 4, bzero: 2147483648},
	64:  {bitpix: 64, size: 8},
	80:  {bitpix: 64, size: 8, bzero: float64(1 << 63)},
	-32: {bitpix: -32, size: 4},
	-64: {bitpix: -64, size: 8},
}

// Bitpix returns the FITS BITPIX for a depth tag.
func Bitpix(depthTag int) (int, error) {
	pf, ok := formats[depthTag]
	if !ok {
		return 0, fmt.Errorf("no FITS format for depth tag %d", depthTag)
	}
	return pf.bitpix, nil
}

// Encode writes f as a single primary HDU.
func Encode(w io.Writer, f display.Frame) error {
	if err := f.Validate(); err != nil {
		return err
	}
	pf, ok := formats[f.DepthTag]
	if !ok {
		return fmt.Errorf("no FITS format for depth tag %d", f.DepthTag)
	}
	if pf.size != f.ElementSize {
		return fmt.Errorf("depth tag %d needs %d byte elements, frame has %d", f.DepthTag, pf.size, f.ElementSize)
	}

	axes := []int{f.Width, f.Height}
	if f.Planes > 1 {
		axes = append(axes, f.Planes)
	}

	bw := bufio.NewWriterSize(w, 64*1024)
	out, err := fitsio.Create(bw)
	if err != nil {
		return fmt.Errorf("create FITS stream: %w", err)
	}
	err = writeImage(out, fitsio.NewImage(pf.bitpix, axes), f, pf)
	if cerr := out.Close(); err == nil && cerr != nil {
		err = fmt.Errorf("close FITS stream: %w", cerr)
	}
	if err != nil {
		return err
	}
	return bw.Flush()
}

func writeImage(out *fitsio.File, img fitsio.Image, f display.Frame, pf pixelFormat) error {
	if err := img.Header().Append(headerCards(f, pf)...); err != nil {
		return fmt.Errorf("header: %w", err)
	}
	if err := img.Write(pixelData(f.Pixels, f.DepthTag)); err != nil {
		return fmt.Errorf("pixels: %w", err)
	}
	if err := out.Write(img); err != nil {
		return fmt.Errorf("write HDU: %w", err)
	}
	return nil
}

func headerCards(f display.Frame, pf pixelFormat) []fitsio.Card {
	var cards []fitsio.Card
	if pf.bzero != nil {
		cards = append(cards,
			fitsio.Card{Name: "BZERO", Value: pf.bzero, Comment: "offset for unsigned data"},
			fitsio.Card{Name: "BSCALE", Value: 1, Comment: "data scaling"},
		)
	}
	if f.Title != "" {
		cards = append(cards, fitsio.Card{Name: "OBJECT", Value: clip(f.Title), Comment: "display title"})
	}
	cards = append(cards,
		fitsio.Card{Name: "SHMNAME", Value: clip(f.Stream), Comment: "shared-memory stream"},
		fitsio.Card{Name: "SHMCNT0", Value: int64(f.WriteCounter), Comment: "producer write counter"},
		fitsio.Card{Name: "SHMSLOT", Value: f.RingSlot, Comment: "ring slot"},
		fitsio.Card{Name: "DISPSLOT", Value: f.TargetSlot, Comment: "display frame"},
		fitsio.Card{Name: "SHMTYPE", Value: f.ElementType, Comment: "element type"},
	)
	if !f.Timestamp.IsZero() {
		cards = append(cards, fitsio.Card{
			Name:    "DATE-OBS",
			Value:   f.Timestamp.UTC().Format("2006-01-02T15:04:05.000"),
			Comment: "frame read time (UTC)",
		})
	}
	return cards
}

// clip keeps string values on a single card.
func clip(s string) string {
	if len(s) > 68 {
		return s[:68]
	}
	return s
}

// pixelData converts native-order pixels into the typed slice fitsio writes.
// Unsigned types get their sign bit flipped so they land in the signed FITS
// range; the BZERO card undoes it.
func pixelData(pixels []byte, depthTag int) any {
	ne := binary.NativeEndian
	switch depthTag {
	case 10:
		out := make([]byte, len(pixels))
		for i, b := range pixels {
			out[i] = b ^ 0x80
		}
		return out
	case 16:
		return decode(pixels, 2, func(b []byte) int16 { return int16(ne.Uint16(b)) })
	case 20:
		return decode(pixels, 2, func(b []byte) int16 { return int16(ne.Uint16(b) ^ 0x8000) })
	case 32:
		return decode(pixels, 4, func(b []byte) int32 { return int32(ne.Uint32(b)) })
	case 40:
		return decode(pixels, 4, func(b []byte) int32 { return int32(ne.Uint32(b) ^ 0x80000000) })
	case 64:
		return decode(pixels, 8, func(b []byte) int64 { return int64(ne.Uint64(b)) })
	case 80:
		return decode(pixels, 8, func(b []byte) int64 { return int64(ne.Uint64(b) ^ 1<<63) })
	case -32:
		return decode(pixels, 4, func(b []byte) float32 { return math.Float32frombits(ne.Uint32(b)) })
	case -64:
		return decode(pixels, 8, func(b []byte) float64 { return math.Float64frombits(ne.Uint64(b)) })
	default:
		return pixels
	}
}

func decode[T any](pixels []byte, size int, conv func([]byte) T) []T {
	out := make([]T, len(pixels)/size)
	for i := range out {
		out[i] = conv(pixels[i*size:])
	}
	return out
}
