// Package lsa is remi's built-in embedder: latent semantic analysis trained
// over session transcripts. Vectors for stored messages and for queries are
// folded into the same space, so cosine similarity between them is
// meaningful.
package lsa

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"unicode"

	"gonum.org/v1/gonum/mat"

	"github.com/rekal-dev/remi/cmd/remi/cli/codec"
	"github.com/rekal-dev/remi/cmd/remi/cli/versioncheck"
)

const (
	// DefaultDimension is the default SVD truncation rank.
	DefaultDimension = 128
	// MaxVocabulary caps the term count by document frequency so the
	// term-document matrix stays tractable on large corpora.
	MaxVocabulary = 4096
	// MaxDocuments caps the training documents. Larger corpora are sampled
	// evenly by id, bounding the matrix at MaxVocabulary × MaxDocuments.
	MaxDocuments = 2000
	// minTermFreq is the minimum number of documents a term must appear in.
	minTermFreq = 2
	// ModelName identifies vectors produced by this package.
	ModelName = "lsa-v1"
	// FileName is the saved model's name inside the data directory.
	FileName = "lsa.model"
)

// Model holds the trained LSA components.
type Model struct {
	// Vocabulary maps term → row index in the term-document matrix.
	Vocabulary map[string]int
	// IDF weights per term (indexed by row).
	IDF []float64
	// Uk is the truncated left singular vectors (terms × k).
	Uk *mat.Dense
	// Sk is the truncated singular values.
	Sk []float64
	// Vk is the truncated right singular vectors (documents × k). It is only
	// present on a freshly built model.
	Vk *mat.Dense
	// DocIDs maps row index in Vk → document id.
	DocIDs []string
	// Dim is the actual dimensionality used (may be < DefaultDimension).
	Dim int
}

// Build constructs an LSA model from document id → content. At most
// MaxDocuments documents are used; text outside the sample is placed in the
// space with Embed. It returns a nil model if there are too few documents or
// shared terms.
func Build(docs map[string]string, dim int) (*Model, error) {
	if len(docs) < 2 {
		return nil, nil
	}
	if dim <= 0 {
		dim = DefaultDimension
	}

	docIDs := make([]string, 0, len(docs))
	for id := range docs {
		docIDs = append(docIDs, id)
	}
	sort.Strings(docIDs)
	docIDs = sampleIDs(docIDs, MaxDocuments)

	docTerms := make([]map[string]float64, len(docIDs))
	df := make(map[string]int)
	for i, id := range docIDs {
		tf := make(map[string]float64)
		for _, tok := range Tokenize(docs[id]) {
			tf[tok]++
		}
		docTerms[i] = tf
		for term := range tf {
			df[term]++
		}
	}

	vocab := buildVocabulary(df)
	if len(vocab) < 2 {
		return nil, nil
	}

	nDocs := len(docIDs)
	nTerms := len(vocab)
	actualDim := min(dim, nTerms, nDocs)

	idf := make([]float64, nTerms)
	for term, row := range vocab {
		idf[row] = math.Log(float64(nDocs)/float64(df[term])) + 1.0
	}

	// TF-IDF matrix (terms × documents).
	a := mat.NewDense(nTerms, nDocs, nil)
	for docIdx, tf := range docTerms {
		for term, w := range weigh(tf, vocab, idf) {
			a.Set(term, docIdx, w)
		}
	}

	var svd mat.SVD
	if !svd.Factorize(a, mat.SVDThin) {
		return nil, fmt.Errorf("lsa: SVD did not converge")
	}
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)
	values := svd.Values(nil)

	uk := mat.DenseCopyOf(u.Slice(0, nTerms, 0, actualDim))
	vk := mat.DenseCopyOf(v.Slice(0, nDocs, 0, actualDim))
	sk := make([]float64, actualDim)
	copy(sk, values[:actualDim])

	return &Model{
		Vocabulary: vocab,
		IDF:        idf,
		Uk:         uk,
		Sk:         sk,
		Vk:         vk,
		DocIDs:     docIDs,
		Dim:        actualDim,
	}, nil
}

// sampleIDs returns n ids spread evenly over sorted ids, or ids itself when
// there are no more than n.
func sampleIDs(ids []string, n int) []string {
	if len(ids) <= n {
		return ids
	}
	out := make([]string, n)
	for i := range out {
		out[i] = ids[i*len(ids)/n]
	}
	return out
}

// buildVocabulary keeps terms shared by at least minTermFreq documents, the
// most frequent MaxVocabulary of them, indexed in lexical order.
func buildVocabulary(df map[string]int) map[string]int {
	var terms []string
	for term, freq := range df {
		if freq >= minTermFreq {
			terms = append(terms, term)
		}
	}
	if len(terms) > MaxVocabulary {
		sort.Slice(terms, func(i, j int) bool {
			if df[terms[i]] != df[terms[j]] {
				return df[terms[i]] > df[terms[j]]
			}
			return terms[i] < terms[j]
		})
		terms = terms[:MaxVocabulary]
	}
	sort.Strings(terms)
	vocab := make(map[string]int, len(terms))
	for i, term := range terms {
		vocab[term] = i
	}
	return vocab
}

// weigh returns augmented TF × IDF weights for the in-vocabulary terms of tf,
// keyed by vocabulary row.
func weigh(tf map[string]float64, vocab map[string]int, idf []float64) map[int]float64 {
	var maxTF float64
	for term, c := range tf {
		if _, ok := vocab[term]; ok && c > maxTF {
			maxTF = c
		}
	}
	out := make(map[int]float64)
	if maxTF == 0 {
		return out
	}
	for term, count := range tf {
		row, ok := vocab[term]
		if !ok {
			continue
		}
		out[row] = (0.5 + 0.5*(count/maxTF)) * idf[row]
	}
	return out
}

// Model returns the name stored alongside vectors from this embedder.
func (m *Model) Model() string { return ModelName }

// Embed folds text into the LSA space: q_k = q^T U_k. For a training
// document this equals its row of Vectors, so stored and query vectors are
// directly comparable.
func (m *Model) Embed(text string) []float64 {
	tf := make(map[string]float64)
	for _, tok := range Tokenize(text) {
		tf[tok]++
	}
	result := make([]float64, m.Dim)
	for row, w := range weigh(tf, m.Vocabulary, m.IDF) {
		for j := 0; j < m.Dim; j++ {
			result[j] += w * m.Uk.At(row, j)
		}
	}
	return result
}

// Vectors returns document id → embedding for bulk storage. Each embedding
// is the document's row of Vk scaled by Sk.
func (m *Model) Vectors() map[string][]float64 {
	if m.Vk == nil {
		return nil
	}
	result := make(map[string][]float64, len(m.DocIDs))
	for i, id := range m.DocIDs {
		vec := make([]float64, m.Dim)
		for j := 0; j < m.Dim; j++ {
			vec[j] = m.Vk.At(i, j) * m.Sk[j]
		}
		result[id] = vec
	}
	return result
}

// saved is the on-disk form of a Model. Vk is not kept: queries only need
// the term projection.
type saved struct {
	Terms []string  `json:"terms"`
	IDF   []float64 `json:"idf"`
	Sk    []float64 `json:"sk"`
	Dim   int       `json:"dim"`
	Uk    []float64 `json:"uk"` // row-major, terms × dim
}

// ModelVersion is the format version of saved models.
const ModelVersion = "v1.0.0"

// Save writes the model to path through a temp file and rename.
func (m *Model) Save(path string) error {
	s := saved{
		Terms: make([]string, len(m.Vocabulary)),
		IDF:   m.IDF,
		Sk:    m.Sk,
		Dim:   m.Dim,
		Uk:    make([]float64, 0, len(m.Vocabulary)*m.Dim),
	}
	for term, row := range m.Vocabulary {
		s.Terms[row] = term
	}
	for row := range s.Terms {
		for j := 0; j < m.Dim; j++ {
			s.Uk = append(s.Uk, m.Uk.At(row, j))
		}
	}

	data, err := codec.MarshalJSON(codec.FrameModel, ModelVersion, s)
	if err != nil {
		return fmt.Errorf("encode lsa model: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".lsa-*.tmp")
	if err != nil {
		return fmt.Errorf("write lsa model: %w", err)
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck
	if _, err := tmp.Write(data); err != nil {
		tmp.Close() //nolint:errcheck
		return fmt.Errorf("write lsa model: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write lsa model: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("write lsa model: %w", err)
	}
	return nil
}

// Load reads a model written by Save. A missing file returns (nil, nil).
func Load(path string) (*Model, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read lsa model: %w", err)
	}
	var s saved
	h, err := codec.UnmarshalJSON(data, codec.FrameModel, &s)
	if err != nil {
		return nil, fmt.Errorf("read lsa model: %w", err)
	}
	if err := versioncheck.Compatible(h.Version, ModelVersion); err != nil {
		return nil, fmt.Errorf("read lsa model: %w", err)
	}
	if s.Dim <= 0 || len(s.Terms) == 0 || len(s.Uk) != len(s.Terms)*s.Dim || len(s.IDF) != len(s.Terms) || len(s.Sk) != s.Dim {
		return nil, fmt.Errorf("read lsa model: inconsistent dimensions")
	}

	vocab := make(map[string]int, len(s.Terms))
	for i, term := range s.Terms {
		vocab[term] = i
	}
	return &Model{
		Vocabulary: vocab,
		IDF:        s.IDF,
		Uk:         mat.NewDense(len(s.Terms), s.Dim, s.Uk),
		Sk:         s.Sk,
		Dim:        s.Dim,
	}, nil
}

// CosineSimilarity computes the cosine similarity between two vectors.
func CosineSimilarity(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// Tokenize lowercases, splits on non-alphanumeric, removes stopwords,
// and applies simple stemming.
func Tokenize(text string) []string {
	var tokens []string
	emit := func(word string) {
		if len(word) >= 2 && !stopwords[word] {
			tokens = append(tokens, simpleStem(word))
		}
	}
	start := -1
	lower := strings.ToLower(text)
	for i, r := range lower {
		alnum := unicode.IsLetter(r) || unicode.IsDigit(r)
		switch {
		case alnum && start < 0:
			start = i
		case !alnum && start >= 0:
			emit(lower[start:i])
			start = -1
		}
	}
	if start >= 0 {
		emit(lower[start:])
	}
	return tokens
}

var suffixes = []string{"tion", "sion", "ment", "ness", "able", "ible", "ful", "less", "ous", "ive", "ing", "ied", "ies", "ers", "est", "ely", "ed", "ly", "er", "es", "al", "en", "s"}

// simpleStem strips one common English suffix, keeping at least four
// characters of stem.
func simpleStem(word string) string {
	for _, suffix := range suffixes {
		if len(word) > len(suffix)+3 && strings.HasSuffix(word, suffix) {
			return word[:len(word)-len(suffix)]
		}
	}
	return word
}

var stopwords = func() map[string]bool {
	m := make(map[string]bool)
	for _, w := range strings.Fields(`
		the be to of and in that have it for not on with he as you do at this
		but his by from they we say her she or an will my one all would there
		their what so up out if about who get which go me when make can like
		no just him know take come could than look use into some them see other
		then now only its also after way our how more been was were are is am
		has had did does let may should must shall very much too`) {
		m[w] = true
	}
	return m
}()
