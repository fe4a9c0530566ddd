package memory

import (
	"fmt"
	"math"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

const (
	MethodLexical = "lexical"
	MethodVector  = "vector"
)

// Scorer scores two items for semantic overlap in [0,1]. Implementations
// must be stateless and side-effect free.
type Scorer interface {
	Score(a, b Item) float64
	Method() string
}

// NewScorer returns the scorer for a configured similarity method.
func NewScorer(method string) (Scorer, error) {
	switch method {
	case "", MethodLexical:
		return LexicalScorer{}, nil
	case MethodVector:
		return VectorScorer{Fallback: LexicalScorer{}}, nil
	default:
		return nil, fmt.Errorf("unknown similarity method: %s", method)
	}
}

// LexicalScorer computes the Jaccard ratio of normalized token sets.
type LexicalScorer struct{}

func (LexicalScorer) Method() string { return MethodLexical }

func (LexicalScorer) Score(a, b Item) float64 {
	ta := Tokens(a.Content)
	tb := Tokens(b.Content)
	if len(ta) == 0 && len(tb) == 0 {
		return 0
	}

	intersection := 0
	for tok := range ta {
		if _, ok := tb[tok]; ok {
			intersection++
		}
	}
	union := len(ta) + len(tb) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

// Tokens splits content into a set of lowercase NFKC-normalized words.
func Tokens(content string) map[string]struct{} {
	normalized := strings.ToLower(norm.NFKC.String(content))
	fields := strings.FieldsFunc(normalized, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	set := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		set[f] = struct{}{}
	}
	return set
}

// VectorScorer scores by cosine similarity of item embeddings. When either
// item lacks a usable embedding the fallback scorer is used.
type VectorScorer struct {
	Fallback Scorer
}

func (VectorScorer) Method() string { return MethodVector }

func (s VectorScorer) Score(a, b Item) float64 {
	if strings.TrimSpace(a.Content) == "" && strings.TrimSpace(b.Content) == "" {
		return 0
	}
	sim, ok := Cosine(a.Embedding, b.Embedding)
	if !ok {
		fallback := s.Fallback
		if fallback == nil {
			fallback = LexicalScorer{}
		}
		return fallback.Score(a, b)
	}
	if sim < 0 {
		return 0
	}
	return sim
}

// Cosine returns the cosine similarity of two vectors. ok is false when the
// vectors are empty, of different length or have zero magnitude.
func Cosine(a, b []float32) (sim float64, ok bool) {
	if len(a) == 0 || len(a) != len(b) {
		return 0, false
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0, false
	}
	sim = dot / (math.Sqrt(na) * math.Sqrt(nb))
	return math.Min(1, sim), true
}
