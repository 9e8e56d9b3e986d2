// Package embedder hosts the shared embedding model: the process-local
// manager that owns the one loaded model instance, the loopback HTTP
// client worker processes reach it through, and the wire codec for
// vector payloads.
package embedder

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"math"
)

// Vectors cross the HTTP boundary as float32 little-endian bytes wrapped
// in base64, with an explicit shape so the receiver can verify length.

func EncodeMatrix(vecs [][]float32) (string, []int) {
	dim := 0
	if len(vecs) > 0 {
		dim = len(vecs[0])
	}
	buf := make([]byte, 0, len(vecs)*dim*4)
	for _, v := range vecs {
		for _, x := range v {
			buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(x))
		}
	}
	return base64.StdEncoding.EncodeToString(buf), []int{len(vecs), dim}
}

func EncodeVector(v []float32) (string, []int) {
	b64, _ := EncodeMatrix([][]float32{v})
	return b64, []int{len(v)}
}

func DecodeMatrix(b64 string, shape []int) ([][]float32, error) {
	if len(shape) != 2 {
		return nil, fmt.Errorf("expected 2-d shape, got %v", shape)
	}
	n, dim := shape[0], shape[1]
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("decode vector payload: %w", err)
	}
	if len(raw) != n*dim*4 {
		return nil, fmt.Errorf("vector payload is %d bytes, shape %v needs %d", len(raw), shape, n*dim*4)
	}
	out := make([][]float32, n)
	for i := 0; i < n; i++ {
		vec := make([]float32, dim)
		for j := 0; j < dim; j++ {
			bits := binary.LittleEndian.Uint32(raw[(i*dim+j)*4:])
			vec[j] = math.Float32frombits(bits)
		}
		out[i] = vec
	}
	return out, nil
}

func DecodeVector(b64 string, shape []int) ([]float32, error) {
	if len(shape) != 1 {
		return nil, fmt.Errorf("expected 1-d shape, got %v", shape)
	}
	m, err := DecodeMatrix(b64, []int{1, shape[0]})
	if err != nil {
		return nil, err
	}
	return m[0], nil
}
