package retrieval

import (
	"context"
	"encoding/hex"
	"fmt"
	"math"
	"os"
	"sort"
	"sync"

	"github.com/vmihailenco/msgpack/v5"
	"github.com/zeebo/blake3"
)

// Chunk is one passage of the pre-built corpus with its embedding.
type Chunk struct {
	ID     string    `msgpack:"id"`
	Source string    `msgpack:"source"`
	Text   string    `msgpack:"text"`
	Vector []float32 `msgpack:"vector"`
}

// indexFile is the on-disk layout produced by the offline indexing
// pipeline.
type indexFile struct {
	Version int     `msgpack:"version"`
	Model   string  `msgpack:"model"`
	Chunks  []Chunk `msgpack:"chunks"`
}

const indexFileVersion = 1

// Embedder turns text into vectors; *llm.Client satisfies it.
type Embedder interface {
	Embed(ctx context.Context, model string, inputs []string) ([][]float32, error)
}

// Index answers top-k passage lookups against an in-memory vector
// corpus. Read-only after construction; the only mutable state is the
// query-embedding cache.
type Index struct {
	model    string
	chunks   []Chunk
	embedder Embedder

	mu    sync.Mutex
	cache map[string][]float32
}

func New(chunks []Chunk, embedder Embedder, model string) *Index {
	return &Index{
		model:    model,
		chunks:   chunks,
		embedder: embedder,
		cache:    map[string][]float32{},
	}
}

// Load reads a pre-built index file.
func Load(path string, embedder Embedder) (*Index, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f indexFile
	if err := msgpack.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("decode index %s: %w", path, err)
	}
	if f.Version != indexFileVersion {
		return nil, fmt.Errorf("index %s has version %d, want %d", path, f.Version, indexFileVersion)
	}
	return New(f.Chunks, embedder, f.Model), nil
}

// Save writes the index in the on-disk layout Load expects.
func Save(path, model string, chunks []Chunk) error {
	raw, err := msgpack.Marshal(indexFile{
		Version: indexFileVersion,
		Model:   model,
		Chunks:  chunks,
	})
	if err != nil {
		return err
	}
	return os.WriteFile(path, raw, 0o644)
}

// Len reports the number of corpus chunks.
func (ix *Index) Len() int { return len(ix.chunks) }

// Model reports the embedding model the index vectors were built with.
func (ix *Index) Model() string { return ix.model }

// Retrieve returns the k passages most similar to query, best first.
func (ix *Index) Retrieve(ctx context.Context, query string, k int) ([]string, error) {
	if k <= 0 || len(ix.chunks) == 0 {
		return nil, nil
	}

	qv, err := ix.queryVector(ctx, query)
	if err != nil {
		return nil, err
	}

	type scored struct {
		idx   int
		score float64
	}
	scores := make([]scored, 0, len(ix.chunks))
	for i, c := range ix.chunks {
		scores = append(scores, scored{idx: i, score: cosine(qv, c.Vector)})
	}
	sort.SliceStable(scores, func(a, b int) bool { return scores[a].score > scores[b].score })

	if k > len(scores) {
		k = len(scores)
	}
	out := make([]string, 0, k)
	for _, s := range scores[:k] {
		out = append(out, ix.chunks[s.idx].Text)
	}
	return out, nil
}

func (ix *Index) queryVector(ctx context.Context, query string) ([]float32, error) {
	key := ContentID(query)

	ix.mu.Lock()
	if v, ok := ix.cache[key]; ok {
		ix.mu.Unlock()
		return v, nil
	}
	ix.mu.Unlock()

	vecs, err := ix.embedder.Embed(ctx, ix.model, []string{query})
	if err != nil {
		return nil, err
	}
	if len(vecs) != 1 {
		return nil, fmt.Errorf("embedder returned %d vectors for one query", len(vecs))
	}

	ix.mu.Lock()
	// Unbounded growth is fine for the lifetime of a process serving
	// interactive chat; evict wholesale if it ever gets large.
	if len(ix.cache) > 4096 {
		ix.cache = map[string][]float32{}
	}
	ix.cache[key] = vecs[0]
	ix.mu.Unlock()
	return vecs[0], nil
}

// ContentID is the stable identifier for a piece of corpus or query
// text.
func ContentID(text string) string {
	sum := blake3.Sum256([]byte(text))
	return hex.EncodeToString(sum[:16])
}

func cosine(a, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var dot, na, nb float64
	for i := 0; i < n; i++ {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
