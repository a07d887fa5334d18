// Package feature derives numeric and lexical features from raw query text.
//
// An Extractor owns a fixed-capacity weighted-term vocabulary that must be
// fitted explicitly before lexical vectors are produced. The pipeline fits it
// once at startup (from a seed corpus or the first query) rather than letting
// the first Extract call mutate state implicitly.
package feature

import (
	"math"
	"sort"
	"strings"
	"sync"
	"unicode"
)

// Features is the fixed-shape feature record for a single query.
// All fields except AnomalyScore are immutable once computed; AnomalyScore is
// attached exactly once by the scoring stage.
type Features struct {
	Length           int       `json:"length"`
	WordCount        int       `json:"word_count"`
	AvgWordLength    float64   `json:"avg_word_length"`
	SpecialCharRatio float64   `json:"special_char_ratio"`
	LexicalVector    []float64 `json:"lexical_vector"`
	AnomalyScore     float64   `json:"anomaly_score"`
}

// Vector flattens the features into the numeric layout the anomaly detector
// consumes: the four scalar statistics followed by the lexical vector.
func (f Features) Vector() []float64 {
	v := make([]float64, 0, 4+len(f.LexicalVector))
	v = append(v,
		float64(f.Length),
		float64(f.WordCount),
		f.AvgWordLength,
		f.SpecialCharRatio,
	)
	return append(v, f.LexicalVector...)
}

// DefaultMaxFeatures caps the vocabulary size when none is configured.
const DefaultMaxFeatures = 50

// Extractor computes query features. The vocabulary is learned once via Fit;
// until then Extract produces zero-length lexical vectors. A single Extractor
// instance owns its vocabulary; Fit and Extract are safe for concurrent use.
type Extractor struct {
	maxFeatures int

	mu     sync.RWMutex
	vocab  map[string]int // term -> vector index
	terms  []string       // index -> term, alphabetical
	idf    []float64
	fitted bool
}

// NewExtractor creates an extractor with the given vocabulary capacity.
// Non-positive values fall back to DefaultMaxFeatures.
func NewExtractor(maxFeatures int) *Extractor {
	if maxFeatures <= 0 {
		maxFeatures = DefaultMaxFeatures
	}
	return &Extractor{maxFeatures: maxFeatures}
}

// Ready reports whether the vocabulary has been fitted.
func (e *Extractor) Ready() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.fitted
}

// Fit learns the weighted-term vocabulary from a corpus. Terms are ranked by
// document frequency, capped at the configured capacity, and stored in
// alphabetical order so vector layout is deterministic. Fitting again
// replaces the vocabulary wholesale.
func (e *Extractor) Fit(corpus []string) {
	df := make(map[string]int)
	for _, doc := range corpus {
		seen := make(map[string]struct{})
		for _, tok := range tokenize(doc) {
			seen[tok] = struct{}{}
		}
		for tok := range seen {
			df[tok]++
		}
	}

	ranked := make([]string, 0, len(df))
	for term := range df {
		ranked = append(ranked, term)
	}
	// Highest document frequency first; alphabetical among equals so the
	// selected vocabulary does not depend on map iteration order.
	sort.Slice(ranked, func(i, j int) bool {
		if df[ranked[i]] != df[ranked[j]] {
			return df[ranked[i]] > df[ranked[j]]
		}
		return ranked[i] < ranked[j]
	})
	if len(ranked) > e.maxFeatures {
		ranked = ranked[:e.maxFeatures]
	}
	sort.Strings(ranked)

	n := float64(len(corpus))
	vocab := make(map[string]int, len(ranked))
	idf := make([]float64, len(ranked))
	for i, term := range ranked {
		vocab[term] = i
		idf[i] = math.Log((1+n)/(1+float64(df[term]))) + 1
	}

	e.mu.Lock()
	e.vocab = vocab
	e.terms = ranked
	e.idf = idf
	e.fitted = true
	e.mu.Unlock()
}

// VocabularySize returns the lexical vector dimension (0 before Fit).
func (e *Extractor) VocabularySize() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.terms)
}

// Extract computes features for a single query. It never fails: an empty
// query yields all-zero scalar features and ratio features default to zero
// rather than dividing by zero.
func (e *Extractor) Extract(query string) Features {
	runes := []rune(query)
	words := strings.Fields(query)

	f := Features{
		Length:    len(runes),
		WordCount: len(words),
	}
	if len(words) > 0 {
		total := 0
		for _, w := range words {
			total += len([]rune(w))
		}
		f.AvgWordLength = float64(total) / float64(len(words))
	}
	if len(runes) > 0 {
		special := 0
		for _, r := range runes {
			if !unicode.IsLetter(r) && !unicode.IsDigit(r) {
				special++
			}
		}
		f.SpecialCharRatio = float64(special) / float64(len(runes))
	}

	f.LexicalVector = e.vectorize(query)
	return f
}

// vectorize produces the tf-idf weighted, L2-normalized term vector.
func (e *Extractor) vectorize(query string) []float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()

	vec := make([]float64, len(e.terms))
	if !e.fitted || len(e.terms) == 0 {
		return vec
	}

	for _, tok := range tokenize(query) {
		if idx, ok := e.vocab[tok]; ok {
			vec[idx]++
		}
	}
	var norm float64
	for i := range vec {
		vec[i] *= e.idf[i]
		norm += vec[i] * vec[i]
	}
	if norm > 0 {
		norm = math.Sqrt(norm)
		for i := range vec {
			vec[i] /= norm
		}
	}
	return vec
}

// tokenize lowercases and splits on non-alphanumeric runes, dropping
// single-rune tokens and English stop words.
func tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	toks := make([]string, 0, len(fields))
	for _, tok := range fields {
		if len([]rune(tok)) < 2 {
			continue
		}
		if _, stop := stopWords[tok]; stop {
			continue
		}
		toks = append(toks, tok)
	}
	return toks
}
