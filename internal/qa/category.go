package qa

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"time"

	apperrors "ragserve/internal/errors"
)

const (
	pairsFileName   = "pairs.json"
	vectorsFileName = "vectors.bin"
	metaFileName    = "meta.json"
	indexFileName   = "index.json"
)

// categoryMeta mirrors meta.json inside a category directory.
type categoryMeta struct {
	PairCount    int       `json:"pair_count"`
	EmbeddingDim int       `json:"embedding_dim"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// category is one loaded partition: the pair map, the question-embedding
// matrix, and the reverse index from pair id to matrix row. Methods do no
// locking of their own; callers hold the store's keyed lock for the
// category name.
type category struct {
	name  string
	dir   string
	dim   int
	pairs map[string]*Pair
	ids   []string // row order of the in-memory matrix
	rows  [][]float32
	pos   map[string]int // pair id -> row
}

// openCategory loads a category directory, creating the empty layout when
// the directory does not exist yet. On disk the matrix rows follow the
// lexicographic order of the pair ids, so the two files realign without a
// separate row manifest.
func openCategory(name, dir string, dim int) (*category, error) {
	c := &category{
		name:  name,
		dir:   dir,
		dim:   dim,
		pairs: make(map[string]*Pair),
		pos:   make(map[string]int),
	}
	pairsPath := filepath.Join(dir, pairsFileName)
	if _, err := os.Stat(pairsPath); os.IsNotExist(err) {
		if err := c.persist(); err != nil {
			return nil, err
		}
		return c, nil
	}

	raw, err := os.ReadFile(pairsPath)
	if err != nil {
		return nil, apperrors.Storage("read %s for category %s", pairsFileName, name).WithCause(err)
	}
	if err := json.Unmarshal(raw, &c.pairs); err != nil {
		return nil, apperrors.Storage("category %s has corrupted %s", name, pairsFileName).WithCause(err)
	}

	if metaRaw, err := os.ReadFile(filepath.Join(dir, metaFileName)); err == nil {
		var meta categoryMeta
		if err := json.Unmarshal(metaRaw, &meta); err == nil &&
			meta.EmbeddingDim != 0 && meta.EmbeddingDim != dim {
			return nil, apperrors.Storage(
				"category %s was embedded with dim %d, current embedder reports %d",
				name, meta.EmbeddingDim, dim)
		}
	}

	c.ids = make([]string, 0, len(c.pairs))
	for id := range c.pairs {
		c.ids = append(c.ids, id)
	}
	sort.Strings(c.ids)

	c.rows, err = readMatrix(filepath.Join(dir, vectorsFileName), dim)
	if err != nil {
		return nil, err
	}
	if len(c.rows) != len(c.ids) {
		return nil, apperrors.Storage(
			"category %s holds %d pairs but %d vectors", name, len(c.ids), len(c.rows))
	}
	for i, id := range c.ids {
		c.pos[id] = i
	}
	return c, nil
}

// upsert installs a pair and its question vector, replacing any pair with
// the same id in place. The change is memory-only until persist.
func (c *category) upsert(p *Pair, vec []float32) error {
	if len(vec) != c.dim {
		return apperrors.BadInput("vector for pair %s has dim %d, want %d", p.ID, len(vec), c.dim)
	}
	if row, ok := c.pos[p.ID]; ok {
		c.pairs[p.ID] = p
		c.rows[row] = vec
		return nil
	}
	c.pairs[p.ID] = p
	c.pos[p.ID] = len(c.ids)
	c.ids = append(c.ids, p.ID)
	c.rows = append(c.rows, vec)
	return nil
}

// remove drops a pair. The vacated matrix row is filled by swapping the
// last row in, then truncating. Returns the removed pair, or nil.
func (c *category) remove(id string) *Pair {
	row, ok := c.pos[id]
	if !ok {
		return nil
	}
	removed := c.pairs[id]
	last := len(c.ids) - 1
	if row != last {
		c.ids[row] = c.ids[last]
		c.rows[row] = c.rows[last]
		c.pos[c.ids[row]] = row
	}
	c.ids = c.ids[:last]
	c.rows = c.rows[:last]
	delete(c.pos, id)
	delete(c.pairs, id)
	return removed
}

func (c *category) get(id string) (*Pair, bool) {
	p, ok := c.pairs[id]
	return p, ok
}

func (c *category) count() int { return len(c.pairs) }

// list returns the pairs ordered by creation time, then id.
func (c *category) list() []*Pair {
	out := make([]*Pair, 0, len(c.pairs))
	for _, p := range c.pairs {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// persist rewrites the three category files. Rows land in lexicographic
// id order regardless of the in-memory order, matching what openCategory
// expects. meta.json goes last so a partial write is detectable as a
// count mismatch rather than silent misalignment.
func (c *category) persist() error {
	pairsRaw, err := json.MarshalIndent(c.pairs, "", "  ")
	if err != nil {
		return apperrors.Storage("encode pairs for category %s", c.name).WithCause(err)
	}
	if err := atomicWrite(filepath.Join(c.dir, pairsFileName), pairsRaw); err != nil {
		return err
	}

	sorted := make([]string, len(c.ids))
	copy(sorted, c.ids)
	sort.Strings(sorted)
	data := make([]byte, 0, len(sorted)*c.dim*4)
	var scratch [4]byte
	for _, id := range sorted {
		for _, f := range c.rows[c.pos[id]] {
			binary.LittleEndian.PutUint32(scratch[:], math.Float32bits(f))
			data = append(data, scratch[:]...)
		}
	}
	if err := atomicWrite(filepath.Join(c.dir, vectorsFileName), data); err != nil {
		return err
	}

	metaRaw, err := json.MarshalIndent(categoryMeta{
		PairCount:    len(c.pairs),
		EmbeddingDim: c.dim,
		UpdatedAt:    time.Now(),
	}, "", "  ")
	if err != nil {
		return apperrors.Storage("encode meta for category %s", c.name).WithCause(err)
	}
	return atomicWrite(filepath.Join(c.dir, metaFileName), metaRaw)
}

// readMatrix loads a packed little-endian float32 matrix.
func readMatrix(path string, dim int) ([][]float32, error) {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.Storage("read vector matrix").WithCause(err)
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

// atomicWrite lands bytes at path via a same-directory temp file rename.
func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return apperrors.Storage("create directory %s", dir).WithCause(err)
	}
	tmp, err := os.CreateTemp(dir, fmt.Sprintf(".%s-*", filepath.Base(path)))
	if err != nil {
		return apperrors.Storage("create temp file in %s", dir).WithCause(err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return apperrors.Storage("write %s", filepath.Base(path)).WithCause(err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return apperrors.Storage("close %s", filepath.Base(path)).WithCause(err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return apperrors.Storage("replace %s", filepath.Base(path)).WithCause(err)
	}
	return nil
}
