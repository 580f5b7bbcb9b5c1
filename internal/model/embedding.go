package model

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// EmbeddingSource is what the embedding manager reads before generating:
// the text to embed plus enough of the current embedding state to decide
// whether work is needed at all.
type EmbeddingSource struct {
	ID        string
	Kind      Kind
	Text      string
	Hash      string // hash of the text the stored embedding was built from
	Dimension int    // 0 when no embedding is stored
	Version   time.Time
}

// EmbeddingUpdate is written by SetEmbedding. SourceVersion guards against
// storing a vector computed from text that has since changed.
type EmbeddingUpdate struct {
	Vector        []float32
	Hash          string
	Model         string
	SourceVersion time.Time
}

// ContentHash returns the hex sha256 of text.
func ContentHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// TextHash is the ContentHash of an embeddable text, or "" when the text is
// blank and no embedding should exist for it.
func TextHash(text string) string {
	if strings.TrimSpace(text) == "" {
		return ""
	}
	return ContentHash(text)
}

// EmbeddingCurrent reports whether a stored embedding of dimension storedDim
// built from text hashed as storedHash still serves text. dim <= 0 skips the
// dimension check.
func EmbeddingCurrent(text, storedHash string, storedDim, dim int) bool {
	if storedDim == 0 {
		return false
	}
	if dim > 0 && storedDim != dim {
		return false
	}
	h := TextHash(text)
	return h == "" || h == storedHash
}

// ScoredID is one ranked hit from a single retrieval signal.
type ScoredID struct {
	ID    string
	Score float64
}

// VectorRow is one stored embedding returned for brute-force similarity.
type VectorRow struct {
	ID        string
	Embedding []float32
}

// Aggregates are the owner-scoped counts the statistics reporter builds on.
type Aggregates struct {
	TotalMemories         int
	ArchivedMemories      int
	MemoriesByCategory    map[Category]int
	MemoriesWithEmbedding int
	TotalEntities         int
	EntitiesByType        map[EntityType]int
	EntitiesWithEmbedding int
	TotalRelationships    int
}
