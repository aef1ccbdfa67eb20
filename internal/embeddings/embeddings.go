// Package embeddings defines the Embedder capability and the vector blob
// codec shared by the event store and knowledge graph.
package embeddings

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/ensembleai/ensemble/pkg/models"
)

// Embedder produces fixed-width vectors for text. Implementations must
// report a stable ProviderID; vectors are only ever compared within the
// same (provider, dimension) pair.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([]*models.Vector, error)
	ProviderID() string
	Dimension() int
}

// blobVersion is the header version of the vector blob encoding.
const blobVersion = 1

// EncodeBlob serializes a vector for storage: a small header carrying
// the provider id and dimension, followed by float32 little-endian values.
func EncodeBlob(v *models.Vector) []byte {
	if v == nil || len(v.Values) == 0 {
		return nil
	}
	pid := []byte(v.ProviderID)
	buf := make([]byte, 0, 4+len(pid)+4+len(v.Values)*4)
	buf = append(buf, blobVersion, byte(len(pid)))
	buf = append(buf, pid...)
	buf = binary.LittleEndian.AppendUint16(buf, uint16(v.Dim))
	for _, f := range v.Values {
		buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(f))
	}
	return buf
}

// DecodeBlob parses a stored vector blob.
func DecodeBlob(data []byte) (*models.Vector, error) {
	if len(data) == 0 {
		return nil, nil
	}
	if len(data) < 2 || data[0] != blobVersion {
		return nil, fmt.Errorf("unsupported vector blob header")
	}
	pidLen := int(data[1])
	if len(data) < 2+pidLen+2 {
		return nil, fmt.Errorf("truncated vector blob")
	}
	pid := string(data[2 : 2+pidLen])
	off := 2 + pidLen
	dim := int(binary.LittleEndian.Uint16(data[off : off+2]))
	off += 2
	if (len(data)-off)%4 != 0 {
		return nil, fmt.Errorf("truncated vector blob values")
	}
	values := make([]float32, (len(data)-off)/4)
	for i := range values {
		values[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[off+i*4:]))
	}
	if dim != len(values) {
		return nil, fmt.Errorf("vector blob dimension mismatch: header %d, values %d", dim, len(values))
	}
	return &models.Vector{ProviderID: pid, Dim: dim, Values: values}, nil
}

// Cosine returns the cosine similarity of two vectors, or zero when the
// vectors are not comparable.
func Cosine(a, b *models.Vector) float64 {
	if !a.Comparable(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a.Values {
		dot += float64(a.Values[i]) * float64(b.Values[i])
		na += float64(a.Values[i]) * float64(a.Values[i])
		nb += float64(b.Values[i]) * float64(b.Values[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
