package lsa

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rekal-dev/remi/cmd/remi/cli/codec"
	"github.com/rekal-dev/remi/cmd/remi/cli/versioncheck"
)

func TestTokenize_Basic(t *testing.T) {
	t.Parallel()
	tokens := Tokenize("Hello World! This is a test.")
	// "this", "is", "a" are stopwords; "hello", "world", "test" remain
	found := make(map[string]bool)
	for _, tok := range tokens {
		found[tok] = true
	}
	if !found["hello"] {
		t.Error("expected 'hello' in tokens")
	}
	if !found["world"] {
		t.Error("expected 'world' in tokens")
	}
	if !found["test"] {
		t.Error("expected 'test' in tokens")
	}
	if found["this"] {
		t.Error("'this' should be filtered as stopword")
	}
	if found["is"] {
		t.Error("'is' should be filtered as stopword")
	}
}

func TestTokenize_Empty(t *testing.T) {
	t.Parallel()
	tokens := Tokenize("")
	if len(tokens) != 0 {
		t.Errorf("expected empty tokens, got %v", tokens)
	}
}

func TestTokenize_Numbers(t *testing.T) {
	t.Parallel()
	tokens := Tokenize("error 404 not found")
	found := make(map[string]bool)
	for _, tok := range tokens {
		found[tok] = true
	}
	if !found["error"] {
		t.Error("expected 'error' in tokens")
	}
	if !found["404"] {
		t.Error("expected '404' in tokens")
	}
	if !found["found"] {
		t.Error("expected 'found' in tokens")
	}
}

func TestCosineSimilarity_Identical(t *testing.T) {
	t.Parallel()
	a := []float64{1, 2, 3}
	sim := CosineSimilarity(a, a)
	if math.Abs(sim-1.0) > 1e-9 {
		t.Errorf("expected 1.0, got %f", sim)
	}
}

func TestCosineSimilarity_Orthogonal(t *testing.T) {
	t.Parallel()
	a := []float64{1, 0, 0}
	b := []float64{0, 1, 0}
	sim := CosineSimilarity(a, b)
	if math.Abs(sim) > 1e-9 {
		t.Errorf("expected 0.0, got %f", sim)
	}
}

func TestCosineSimilarity_Zero(t *testing.T) {
	t.Parallel()
	a := []float64{0, 0, 0}
	b := []float64{1, 2, 3}
	sim := CosineSimilarity(a, b)
	if sim != 0 {
		t.Errorf("expected 0.0, got %f", sim)
	}
}

func TestCosineSimilarity_DifferentLengths(t *testing.T) {
	t.Parallel()
	a := []float64{1, 2}
	b := []float64{1, 2, 3}
	sim := CosineSimilarity(a, b)
	if sim != 0 {
		t.Errorf("expected 0.0 for different lengths, got %f", sim)
	}
}

func TestBuild_TooFewDocs(t *testing.T) {
	t.Parallel()
	docs := map[string]string{
		"m1": "hello world",
	}
	model, err := Build(docs, DefaultDimension)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if model != nil {
		t.Error("expected nil model for single document")
	}
}

func TestBuild_And_Embed(t *testing.T) {
	t.Parallel()
	docs := map[string]string{
		"m1": "JWT authentication token expiry refresh login security middleware",
		"m2": "JWT token validation auth middleware bearer header claims expiry",
		"m3": "database connection pooling query optimization index performance SQL",
		"m4": "database schema migration table column index query performance tuning",
	}

	model, err := Build(docs, 3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if model == nil {
		t.Fatal("expected non-nil model")
	}
	if model.Dim != 3 {
		t.Errorf("expected dim 3, got %d", model.Dim)
	}

	// Vectors should have entries for all documents.
	vectors := model.Vectors()
	if len(vectors) != 4 {
		t.Errorf("expected 4 vectors, got %d", len(vectors))
	}
	for _, id := range []string{"m1", "m2", "m3", "m4"} {
		if _, ok := vectors[id]; !ok {
			t.Errorf("missing vector for %s", id)
		}
	}

	// A JWT query should be closer to m1/m2 than m3/m4.
	queryVec := model.Embed("JWT authentication")
	simM1 := CosineSimilarity(queryVec, vectors["m1"])
	simM2 := CosineSimilarity(queryVec, vectors["m2"])
	simM3 := CosineSimilarity(queryVec, vectors["m3"])
	simM4 := CosineSimilarity(queryVec, vectors["m4"])

	authAvg := (simM1 + simM2) / 2
	dbAvg := (simM3 + simM4) / 2

	if authAvg <= dbAvg {
		t.Errorf("expected auth messages to be more similar to JWT query: auth_avg=%f, db_avg=%f", authAvg, dbAvg)
	}
}

func TestBuild_Empty(t *testing.T) {
	t.Parallel()
	docs := map[string]string{}
	model, err := Build(docs, DefaultDimension)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if model != nil {
		t.Error("expected nil model for empty corpus")
	}
}

func TestSimpleStem(t *testing.T) {
	t.Parallel()
	cases := []struct {
		input, expected string
	}{
		{"running", "runn"},
		{"authentication", "authentica"},
		{"connections", "connection"},
		{"go", "go"}, // too short to stem
	}
	for _, tc := range cases {
		got := simpleStem(tc.input)
		if got != tc.expected {
			t.Errorf("simpleStem(%q) = %q, want %q", tc.input, got, tc.expected)
		}
	}
}

var corpus = map[string]string{
	"m1": "JWT authentication token expiry refresh login security middleware",
	"m2": "JWT token validation auth middleware bearer header claims expiry",
	"m3": "database connection pooling query optimization index performance SQL",
	"m4": "database schema migration table column index query performance tuning",
}

func TestEmbed_MatchesStoredVectors(t *testing.T) {
	t.Parallel()
	model, err := Build(corpus, 3)
	if err != nil || model == nil {
		t.Fatalf("Build: %v", err)
	}
	vectors := model.Vectors()
	for id, text := range corpus {
		got := model.Embed(text)
		want := vectors[id]
		for j := range want {
			if math.Abs(got[j]-want[j]) > 1e-9 {
				t.Errorf("%s dim %d: Embed %f, Vectors %f", id, j, got[j], want[j])
			}
		}
	}
}

func TestEmbed_UnknownTerms(t *testing.T) {
	t.Parallel()
	model, err := Build(corpus, 2)
	if err != nil || model == nil {
		t.Fatalf("Build: %v", err)
	}
	v := model.Embed("zebra xylophone")
	if len(v) != 2 {
		t.Fatalf("len: got %d, want 2", len(v))
	}
	for _, x := range v {
		if x != 0 {
			t.Errorf("expected zero vector, got %v", v)
			break
		}
	}
	if model.Model() != ModelName {
		t.Errorf("Model: got %q", model.Model())
	}
}

func TestBuildVocabulary_Cap(t *testing.T) {
	t.Parallel()
	df := make(map[string]int)
	for i := 0; i < MaxVocabulary+10; i++ {
		df[string(rune('a'+i%26))+string(rune('a'+i/26%26))+string(rune('a'+i/676))] = 2
	}
	df["common"] = 50
	vocab := buildVocabulary(df)
	if len(vocab) != MaxVocabulary {
		t.Errorf("vocab size: got %d, want %d", len(vocab), MaxVocabulary)
	}
	if _, ok := vocab["common"]; !ok {
		t.Error("most frequent term dropped")
	}
}

func TestSampleIDs(t *testing.T) {
	t.Parallel()
	ids := []string{"a", "b", "c", "d", "e", "f"}
	if got := sampleIDs(ids, 10); len(got) != 6 {
		t.Errorf("small input should be kept whole, got %v", got)
	}
	got := sampleIDs(ids, 3)
	want := []string{"a", "c", "e"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("sampleIDs = %v, want %v", got, want)
	}
}

func TestBuild_CapsDocuments(t *testing.T) {
	t.Parallel()
	words := []string{"deploy", "cluster", "database", "migration", "login", "cache"}
	docs := make(map[string]string, MaxDocuments+300)
	for i := 0; i < MaxDocuments+300; i++ {
		docs[fmt.Sprintf("doc-%05d", i)] = words[i%len(words)] + " " + words[(i+1)%len(words)]
	}
	model, err := Build(docs, 4)
	if err != nil {
		t.Fatal(err)
	}
	if model == nil {
		t.Fatal("expected a model")
	}
	if len(model.DocIDs) != MaxDocuments {
		t.Errorf("trained on %d documents, want %d", len(model.DocIDs), MaxDocuments)
	}
	// Documents outside the sample still fold into the space.
	if v := model.Embed(docs["doc-00001"]); len(v) != model.Dim {
		t.Errorf("embed dim = %d, want %d", len(v), model.Dim)
	}
}

func TestSaveLoad(t *testing.T) {
	t.Parallel()
	model, err := Build(corpus, 3)
	if err != nil || model == nil {
		t.Fatalf("Build: %v", err)
	}
	path := filepath.Join(t.TempDir(), FileName)
	if err := model.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Dim != model.Dim || len(loaded.Vocabulary) != len(model.Vocabulary) {
		t.Fatalf("loaded dim %d vocab %d, want %d %d", loaded.Dim, len(loaded.Vocabulary), model.Dim, len(model.Vocabulary))
	}
	if loaded.Vectors() != nil {
		t.Error("loaded model should not carry document vectors")
	}
	a, b := model.Embed("JWT middleware"), loaded.Embed("JWT middleware")
	for j := range a {
		if math.Abs(a[j]-b[j]) > 1e-12 {
			t.Fatalf("embedding differs after reload: %v vs %v", a, b)
		}
	}
}

func TestLoad_Missing(t *testing.T) {
	t.Parallel()
	m, err := Load(filepath.Join(t.TempDir(), "nope"))
	if err != nil || m != nil {
		t.Errorf("Load missing: got %v, %v", m, err)
	}
}

func TestLoad_NewerFormat(t *testing.T) {
	t.Parallel()
	data, err := codec.MarshalJSON(codec.FrameModel, "v2.0.0", saved{Terms: []string{"a"}, IDF: []float64{1}, Sk: []float64{1}, Dim: 1, Uk: []float64{1}})
	if err != nil {
		t.Fatalf("MarshalJSON: %v", err)
	}
	path := filepath.Join(t.TempDir(), FileName)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := Load(path); !errors.Is(err, versioncheck.ErrIncompatible) {
		t.Errorf("Load: got %v, want ErrIncompatible", err)
	}
}
