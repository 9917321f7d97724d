package kb

import (
	"encoding/binary"
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"

	apperrors "ragserve/internal/errors"
)

const (
	vectorCacheDir  = "vector_cache"
	vectorDataFile  = "vectors.bin"
	vectorIndexFile = "index.json"
)

// VectorIndex is the per-KB chunk vector store: one flat matrix of
// float32 rows in vectors.bin plus a JSON sidecar mapping rows to chunk
// ids. index.json is written after vectors.bin, so its row count is the
// commit point on reload.
type VectorIndex struct {
	mu   sync.RWMutex
	dir  string
	dim  int
	ids  []string
	rows [][]float32
	pos  map[string]int
}

type vectorSidecar struct {
	Dim int      `json:"dim"`
	IDs []string `json:"ids"`
}

// OpenVectorIndex loads the index under dir/vector_cache, creating an
// empty one when absent. A stored dimension that disagrees with dim fails
// loudly rather than serving mixed-dimension math.
func OpenVectorIndex(dir string, dim int) (*VectorIndex, error) {
	idx := &VectorIndex{
		dir: filepath.Join(dir, vectorCacheDir),
		dim: dim,
		pos: make(map[string]int),
	}
	if err := os.MkdirAll(idx.dir, 0o755); err != nil {
		return nil, apperrors.Storage("create %s", idx.dir).WithCause(err)
	}

	sidecarPath := filepath.Join(idx.dir, vectorIndexFile)
	raw, err := os.ReadFile(sidecarPath)
	if os.IsNotExist(err) {
		return idx, nil
	}
	if err != nil {
		return nil, apperrors.Storage("read vector index").WithCause(err)
	}
	var sidecar vectorSidecar
	if err := json.Unmarshal(raw, &sidecar); err != nil {
		return nil, apperrors.Storage("vector index sidecar is corrupted").WithCause(err)
	}
	if len(sidecar.IDs) == 0 {
		return idx, nil
	}
	if sidecar.Dim != dim {
		return nil, apperrors.Storage("vector index dimension %d does not match embedding dimension %d", sidecar.Dim, dim)
	}

	rows, err := readVectorRows(filepath.Join(idx.dir, vectorDataFile), dim)
	if err != nil {
		return nil, err
	}
	n := len(sidecar.IDs)
	if len(rows) < n {
		n = len(rows)
	}
	idx.ids = sidecar.IDs[:n]
	idx.rows = rows[:n]
	for i, id := range idx.ids {
		idx.pos[id] = i
	}
	return idx, nil
}

// Len returns the stored vector count.
func (v *VectorIndex) Len() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.ids)
}

// Upsert stores vectors under their ids, replacing existing rows.
func (v *VectorIndex) Upsert(ids []string, vectors [][]float32) error {
	if len(ids) != len(vectors) {
		return apperrors.Internal("vector upsert got %d ids for %d vectors", len(ids), len(vectors))
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	for i, id := range ids {
		if len(vectors[i]) != v.dim {
			return apperrors.Storage("vector for %s has dimension %d, index expects %d", id, len(vectors[i]), v.dim)
		}
		if at, ok := v.pos[id]; ok {
			v.rows[at] = vectors[i]
			continue
		}
		v.pos[id] = len(v.ids)
		v.ids = append(v.ids, id)
		v.rows = append(v.rows, vectors[i])
	}
	return v.persistLocked()
}

// Remove drops rows by id using swap-with-last, then persists.
func (v *VectorIndex) Remove(ids ...string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, id := range ids {
		at, ok := v.pos[id]
		if !ok {
			continue
		}
		last := len(v.ids) - 1
		v.ids[at] = v.ids[last]
		v.rows[at] = v.rows[last]
		v.pos[v.ids[at]] = at
		v.ids = v.ids[:last]
		v.rows = v.rows[:last]
		delete(v.pos, id)
	}
	return v.persistLocked()
}

// Clear drops every row.
func (v *VectorIndex) Clear() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.ids = nil
	v.rows = nil
	v.pos = make(map[string]int)
	return v.persistLocked()
}

// Hit is one scored row from a search.
type Hit struct {
	ID    string
	Score float64
}

// Search returns up to topK ids by cosine similarity, best first. Ties
// break on the lexicographically smaller id so results are stable.
func (v *VectorIndex) Search(query []float32, topK int) []Hit {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if topK <= 0 || len(v.ids) == 0 {
		return nil
	}
	hits := make([]Hit, 0, len(v.ids))
	for i, row := range v.rows {
		hits = append(hits, Hit{ID: v.ids[i], Score: Cosine(query, row)})
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ID < hits[j].ID
	})
	if len(hits) > topK {
		hits = hits[:topK]
	}
	return hits
}

func (v *VectorIndex) persistLocked() error {
	data := make([]byte, 0, len(v.rows)*v.dim*4)
	var scratch [4]byte
	for _, row := range v.rows {
		for _, f := range row {
			binary.LittleEndian.PutUint32(scratch[:], math.Float32bits(f))
			data = append(data, scratch[:]...)
		}
	}
	if err := atomicWrite(filepath.Join(v.dir, vectorDataFile), data); err != nil {
		return err
	}
	sidecar, err := json.Marshal(vectorSidecar{Dim: v.dim, IDs: v.ids})
	if err != nil {
		return apperrors.Storage("encode vector index sidecar").WithCause(err)
	}
	return atomicWrite(filepath.Join(v.dir, vectorIndexFile), sidecar)
}

// readVectorRows loads a packed little-endian float32 matrix.
func readVectorRows(path string, dim int) ([][]float32, error) {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.Storage("read vector data").WithCause(err)
	}
	rowBytes := dim * 4
	if rowBytes == 0 {
		return nil, nil
	}
	n := len(raw) / rowBytes
	rows := make([][]float32, n)
	for i := 0; i < n; i++ {
		row := make([]float32, dim)
		base := i * rowBytes
		for j := 0; j < dim; j++ {
			bits := binary.LittleEndian.Uint32(raw[base+j*4 : base+j*4+4])
			row[j] = math.Float32frombits(bits)
		}
		rows[i] = row
	}
	return rows, nil
}

// Cosine computes cosine similarity between two vectors. Mismatched or
// zero-length input scores zero.
func Cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
