package imagestream

import (
	"fmt"
	"math"

	errs "github.com/c360/shmview/errors"
)

// Element type codes as written by the producer into the stream header.
const (
	TypeUint8      uint8 = 1
	TypeInt8       uint8 = 2
	TypeUint16     uint8 = 3
	TypeInt16      uint8 = 4
	TypeUint32     uint8 = 5
	TypeInt32      uint8 = 6
	TypeUint64     uint8 = 7
	TypeInt64      uint8 = 8
	TypeFloat32    uint8 = 9
	TypeFloat64    uint8 = 10
	TypeComplex64  uint8 = 11
	TypeComplex128 uint8 = 12
	TypeEvent      uint8 = 20
)

// ElementType describes one pixel representation. Values are immutable and
// obtained through Resolve.
type ElementType struct {
	Code uint8
	Name string
	// Size is the width of one element in bytes.
	Size int

	depthTag    int
	displayable bool
	maxValue    uint64
	integer     bool
}

var elementTypes = map[uint8]ElementType{
	TypeUint8:      {Code: TypeUint8, Name: "uint8", Size: 1, depthTag: 8, displayable: true, maxValue: math.MaxUint8, integer: true},
	TypeInt8:       {Code: TypeInt8, Name: "int8", Size: 1, depthTag: 10, displayable: true, maxValue: math.MaxInt8, integer: true},
	TypeUint16:     {Code: TypeUint16, Name: "uint16", Size: 2, depthTag: 20, displayable: true, maxValue: math.MaxUint16, integer: true},
	TypeInt16:      {Code: TypeInt16, Name: "int16", Size: 2, depthTag: 16, displayable: true, maxValue: math.MaxInt16, integer: true},
	TypeUint32:     {Code: TypeUint32, Name: "uint32", Size: 4, depthTag: 40, displayable: true, maxValue: math.MaxUint32, integer: true},
	TypeInt32:      {Code: TypeInt32, Name: "int32", Size: 4, depthTag: 32, displayable: true, maxValue: math.MaxInt32, integer: true},
	TypeUint64:     {Code: TypeUint64, Name: "uint64", Size: 8, depthTag: 80, displayable: true, maxValue: math.MaxUint64, integer: true},
	TypeInt64:      {Code: TypeInt64, Name: "int64", Size: 8, depthTag: 64, displayable: true, maxValue: math.MaxInt64, integer: true},
	TypeFloat32:    {Code: TypeFloat32, Name: "float32", Size: 4, depthTag: -32, displayable: true},
	TypeFloat64:    {Code: TypeFloat64, Name: "float64", Size: 8, depthTag: -64, displayable: true},
	TypeComplex64:  {Code: TypeComplex64, Name: "complex64", Size: 8},
	TypeComplex128: {Code: TypeComplex128, Name: "complex128", Size: 16},
	// u8 type, u8 x, u8 y, u16 time, u8 value; packed
	TypeEvent: {Code: TypeEvent, Name: "event", Size: 6},
}

// Resolve returns the descriptor for code. Unknown codes are never defaulted.
func Resolve(code uint8) (ElementType, error) {
	t, ok := elementTypes[code]
	if !ok {
		return ElementType{}, errs.Stream(errs.ErrUnsupportedElementType,
			fmt.Errorf("type code %d", code), "imagestream", "Resolve", "element type lookup")
	}
	return t, nil
}

// Displayable reports whether the type has a display depth tag.
func (t ElementType) Displayable() bool {
	return t.displayable
}

// DisplayDepth returns the depth tag (FITS BITPIX style) the display sink uses
// to interpret the pixel bytes.
func (t ElementType) DisplayDepth() (int, error) {
	if !t.displayable {
		return 0, errs.Stream(errs.ErrNoDisplayMapping,
			fmt.Errorf("type %s (code %d)", t.Name, t.Code), "imagestream", "DisplayDepth", "depth tag lookup")
	}
	return t.depthTag, nil
}

// MaxValue returns the largest representable value for integer types.
func (t ElementType) MaxValue() (uint64, bool) {
	return t.maxValue, t.integer
}

// IsInteger reports whether the type is a signed or unsigned integer.
func (t ElementType) IsInteger() bool {
	return t.integer
}

// IsFloat reports whether the type is a real floating point type.
func (t ElementType) IsFloat() bool {
	return t.Code == TypeFloat32 || t.Code == TypeFloat64
}

// String returns the type name.
func (t ElementType) String() string {
	if t.Name == "" {
		return fmt.Sprintf("type(%d)", t.Code)
	}
	return t.Name
}
