package net

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/FlavioCFOliveira/faststyle/internal/precision"
)

// GGUF Constants
const (
	GGUFMagic   = 0x46554747 // "GGUF" in little-endian
	GGUFVersion = 3
)

// GGUF Value Types
type GGUFType uint32

const (
	GGUFTypeUint32  GGUFType = 4
	GGUFTypeInt32   GGUFType = 5
	GGUFTypeFloat32 GGUFType = 6
	GGUFTypeString  GGUFType = 8
	GGUFTypeUint64  GGUFType = 10
)

// GGML Tensor Types
type GGMLType uint32

const (
	GGMLTypeF32 GGMLType = 0
	GGMLTypeF16 GGMLType = 1
)

// GGUFWriter helps writing GGUF files
type GGUFWriter struct {
	w         io.Writer
	alignment uint64
	written   uint64
}

func NewGGUFWriter(w io.Writer) *GGUFWriter {
	return &GGUFWriter{
		w:         w,
		alignment: 32, // Default alignment
	}
}

func (gw *GGUFWriter) write(v any) error {
	if err := binary.Write(gw.w, binary.LittleEndian, v); err != nil {
		return err
	}
	gw.written += uint64(binary.Size(v))
	return nil
}

func (gw *GGUFWriter) WriteHeader(kvCount, tensorCount uint64) error {
	if err := gw.write(uint32(GGUFMagic)); err != nil {
		return err
	}
	if err := gw.write(uint32(GGUFVersion)); err != nil {
		return err
	}
	if err := gw.write(tensorCount); err != nil {
		return err
	}
	return gw.write(kvCount)
}

func (gw *GGUFWriter) WriteString(s string) error {
	if err := gw.write(uint64(len(s))); err != nil {
		return err
	}
	n, err := io.WriteString(gw.w, s)
	gw.written += uint64(n)
	return err
}

func (gw *GGUFWriter) WriteKV(key string, valType GGUFType, value any) error {
	if err := gw.WriteString(key); err != nil {
		return err
	}
	if err := gw.write(uint32(valType)); err != nil {
		return err
	}

	switch valType {
	case GGUFTypeUint32:
		return gw.write(value.(uint32))
	case GGUFTypeInt32:
		return gw.write(value.(int32))
	case GGUFTypeFloat32:
		return gw.write(value.(float32))
	case GGUFTypeUint64:
		return gw.write(value.(uint64))
	case GGUFTypeString:
		return gw.WriteString(value.(string))
	default:
		return fmt.Errorf("unsupported GGUF type: %v", valType)
	}
}

func (gw *GGUFWriter) WriteTensorInfo(name string, shape []uint64, ggmlType GGMLType, offset uint64) error {
	if err := gw.WriteString(name); err != nil {
		return err
	}
	rank := uint32(len(shape))
	if err := gw.write(rank); err != nil {
		return err
	}
	// GGUF dimensions are in reverse order (last dimension first)
	for i := int(rank) - 1; i >= 0; i-- {
		if err := gw.write(shape[i]); err != nil {
			return err
		}
	}
	if err := gw.write(uint32(ggmlType)); err != nil {
		return err
	}
	return gw.write(offset)
}

// Pad writes zeros up to the next alignment boundary.
func (gw *GGUFWriter) Pad() error {
	rem := gw.written % gw.alignment
	if rem == 0 {
		return nil
	}
	return gw.write(make([]byte, gw.alignment-rem))
}

func (gw *GGUFWriter) align(n uint64) uint64 {
	return (n + gw.alignment - 1) / gw.alignment * gw.alignment
}

// ExportGGUF writes the transform network weights as a GGUF file with F32 or
// F16 tensors. Architecture hyperparameters are stored as metadata.
func ExportGGUF(w io.Writer, t *TransformNet, dtype precision.DType) error {
	ggmlType := GGMLTypeF32
	elemSize := uint64(4)
	if dtype == precision.Float16 {
		ggmlType, elemSize = GGMLTypeF16, 2
	}
	cfg := t.Config()
	params := t.Params()

	gw := NewGGUFWriter(w)
	kvs := []struct {
		key string
		typ GGUFType
		val any
	}{
		{"general.architecture", GGUFTypeString, "faststyle"},
		{"faststyle.arch", GGUFTypeString, cfg.Arch()},
		{"faststyle.residual_layers", GGUFTypeUint32, uint32(cfg.ResidualLayers)},
		{"faststyle.residual_filters", GGUFTypeUint32, uint32(cfg.ResidualFilters)},
		{"faststyle.norm_epsilon", GGUFTypeFloat32, float32(NormEpsilon)},
		{"general.alignment", GGUFTypeUint32, uint32(gw.alignment)},
	}
	if err := gw.WriteHeader(uint64(len(kvs)), uint64(len(params))); err != nil {
		return fmt.Errorf("gguf: header: %w", err)
	}
	for _, kv := range kvs {
		if err := gw.WriteKV(kv.key, kv.typ, kv.val); err != nil {
			return fmt.Errorf("gguf: kv %s: %w", kv.key, err)
		}
	}

	var offset uint64
	for _, p := range params {
		shape := make([]uint64, len(p.Shape))
		for i, d := range p.Shape {
			shape[i] = uint64(d)
		}
		if err := gw.WriteTensorInfo(p.Name, shape, ggmlType, offset); err != nil {
			return fmt.Errorf("gguf: tensor info %s: %w", p.Name, err)
		}
		offset = gw.align(offset + uint64(p.Len())*elemSize)
	}
	if err := gw.Pad(); err != nil {
		return err
	}

	for _, p := range params {
		if dtype == precision.Float16 {
			if err := gw.write(precision.ToHalf(p.Value)); err != nil {
				return fmt.Errorf("gguf: tensor %s: %w", p.Name, err)
			}
		} else {
			bits := make([]uint32, p.Len())
			for i, v := range p.Value {
				bits[i] = math.Float32bits(v)
			}
			if err := gw.write(bits); err != nil {
				return fmt.Errorf("gguf: tensor %s: %w", p.Name, err)
			}
		}
		if err := gw.Pad(); err != nil {
			return err
		}
	}
	return nil
}
