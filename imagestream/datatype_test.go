package imagestream_test

import (
	"errors"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errs "github.com/c360/shmview/errors"
	"github.com/c360/shmview/imagestream"
)

func TestResolve_WidthsMatchRepresentation(t *testing.T) {
	tests := []struct {
		code  uint8
		name  string
		size  uintptr
		depth int
	}{
		{imagestream.TypeUint8, "uint8", unsafe.Sizeof(uint8(0)), 8},
		{imagestream.TypeInt8, "int8", unsafe.Sizeof(int8(0)), 10},
		{imagestream.TypeUint16, "uint16", unsafe.Sizeof(uint16(0)), 20},
		{imagestream.TypeInt16, "int16", unsafe.Sizeof(int16(0)), 16},
		{imagestream.TypeUint32, "uint32", unsafe.Sizeof(uint32(0)), 40},
		{imagestream.TypeInt32, "int32", unsafe.Sizeof(int32(0)), 32},
		{imagestream.TypeUint64, "uint64", unsafe.Sizeof(uint64(0)), 80},
		{imagestream.TypeInt64, "int64", unsafe.Sizeof(int64(0)), 64},
		{imagestream.TypeFloat32, "float32", unsafe.Sizeof(float32(0)), -32},
		{imagestream.TypeFloat64, "float64", unsafe.Sizeof(float64(0)), -64},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			et, err := imagestream.Resolve(test.code)
			require.NoError(t, err)
			assert.Equal(t, test.code, et.Code)
			assert.Equal(t, test.name, et.String())
			assert.Equal(t, int(test.size), et.Size)
			assert.True(t, et.Displayable())

			depth, err := et.DisplayDepth()
			require.NoError(t, err)
			assert.Equal(t, test.depth, depth)
		})
	}
}

func TestResolve_NonDisplayableTypes(t *testing.T) {
	tests := []struct {
		code uint8
		size int
	}{
		{imagestream.TypeComplex64, 8},
		{imagestream.TypeComplex128, 16},
		{imagestream.TypeEvent, 6},
	}

	for _, test := range tests {
		et, err := imagestream.Resolve(test.code)
		require.NoError(t, err)
		assert.Equal(t, test.size, et.Size)
		assert.False(t, et.Displayable())

		_, err = et.DisplayDepth()
		assert.True(t, errors.Is(err, errs.ErrNoDisplayMapping))
		assert.True(t, errs.IsTransient(err))
	}
}

func TestResolve_UnknownCodeIsHardError(t *testing.T) {
	for _, code := range []uint8{0, 13, 19, 21, 255} {
		_, err := imagestream.Resolve(code)
		require.Error(t, err, "code %d", code)
		assert.True(t, errors.Is(err, errs.ErrUnsupportedElementType))
		assert.Equal(t, "unsupported_element_type", errs.StreamErrorKind(err))
	}
}

func TestElementType_MaxValue(t *testing.T) {
	u16, _ := imagestream.Resolve(imagestream.TypeUint16)
	maxV, ok := u16.MaxValue()
	assert.True(t, ok)
	assert.Equal(t, uint64(65535), maxV)
	assert.True(t, u16.IsInteger())
	assert.False(t, u16.IsFloat())

	f32, _ := imagestream.Resolve(imagestream.TypeFloat32)
	_, ok = f32.MaxValue()
	assert.False(t, ok)
	assert.True(t, f32.IsFloat())
}
