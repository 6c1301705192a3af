package dataflow

import (
	"encoding/binary"
	"fmt"

	"github.com/c360/semscope/errors"
)

// Data types carried in Block.DType
const (
	DTypeUint8  = "uint8"
	DTypeUint16 = "uint16"
	DTypeBytes  = "bytes"
)

// Block is one immutable unit of generated data with its metadata
type Block struct {
	Data     []byte         `json:"data"`
	Shape    []int          `json:"shape,omitempty"`
	DType    string         `json:"dtype,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// NewUint16Block packs pixels little-endian into a block of the given shape
func NewUint16Block(shape []int, pixels []uint16, metadata map[string]any) Block {
	data := make([]byte, 2*len(pixels))
	for i, p := range pixels {
		binary.LittleEndian.PutUint16(data[2*i:], p)
	}
	return Block{Data: data, Shape: shape, DType: DTypeUint16, Metadata: metadata}
}

// Uint16s unpacks a uint16 block
func (b Block) Uint16s() ([]uint16, error) {
	if b.DType != DTypeUint16 {
		return nil, errors.WrapInvalid(errors.ErrInvalidData, "Block", "Uint16s", fmt.Sprintf("decode %s block", b.DType))
	}
	if len(b.Data)%2 != 0 {
		return nil, errors.WrapInvalid(errors.ErrInvalidData, "Block", "Uint16s", "decode odd-length data")
	}
	out := make([]uint16, len(b.Data)/2)
	for i := range out {
		out[i] = binary.LittleEndian.Uint16(b.Data[2*i:])
	}
	return out, nil
}

// Elements returns the number of elements the shape describes
func (b Block) Elements() int {
	if len(b.Shape) == 0 {
		return 0
	}
	n := 1
	for _, d := range b.Shape {
		n *= d
	}
	return n
}
