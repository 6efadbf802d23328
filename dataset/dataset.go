package dataset

import (
	"github.com/pkg/errors"
)

// Family groups architectures by the source representation they consume: flat
// token sequences or clause trees. Each family owns one training dataset and
// one canonical Vocabulary.
type Family int

const (
	FamilySeq Family = iota
	FamilyTree
)

func (f Family) String() string {
	switch f {
	case FamilySeq:
		return "seq"
	case FamilyTree:
		return "tree"
	}
	return "unknown"
}

// Dataset is an ordered collection of prepared examples bound to a single
// Vocabulary instance.
type Dataset struct {
	Family   Family
	Vocab    *Vocabulary
	Examples []*Example

	// OriginQuestions holds the raw gold question text per example, empty
	// where no gold was supplied.
	OriginQuestions []string
}

// Example is one prepared corpus entry.
//
// SrcExtIDs is the source-to-target map of the copy mechanism: position i maps
// to the in-vocabulary id of its token, or to an extended id >= vocabulary
// size when the token is out of vocabulary. IdxToTok resolves those extended
// ids back to literal source tokens after decoding.
type Example struct {
	DBID       string
	SrcTokens  []string
	SrcIDs     []int32
	CopyMask   []float32
	SrcExtIDs  []int32
	IdxToTok   map[int32]string
	OOVCount   int
	Question   []int32
	OriginText string

	// Tree representation, populated for FamilyTree only.
	NodeTypes []int32
	NodeOrder []int32
	Adjacency [][2]int32
	EdgeOrder []int32
}

// prepareExample builds an Example for the given family, binding ids through
// the supplied Vocabulary.
func prepareExample(rec Record, family Family, schema *DBSchema, vocab *Vocabulary) *Example {
	ex := &Example{
		DBID:       rec.DBID,
		OriginText: rec.Question,
	}

	tokens := TokenizeSQL(rec.Query)
	var types []int32
	if family == FamilyTree {
		t := buildTree(tokens, schema)
		ex.SrcTokens = t.tokens
		ex.NodeTypes = t.types
		ex.NodeOrder = t.order
		ex.Adjacency = t.adjacency
		ex.EdgeOrder = t.edgeOrder
		types = t.types
	} else {
		ex.SrcTokens = tokens
		types = make([]int32, len(tokens))
		for i, tok := range tokens {
			types[i] = classify(tok, schema)
		}
	}

	ex.SrcIDs = make([]int32, len(ex.SrcTokens))
	ex.CopyMask = make([]float32, len(ex.SrcTokens))
	ex.SrcExtIDs = make([]int32, len(ex.SrcTokens))
	ex.IdxToTok = make(map[int32]string)

	vocabSize := int32(vocab.Size())
	oovIndex := make(map[string]int32)
	for i, tok := range ex.SrcTokens {
		ex.SrcIDs[i] = vocab.ID(tok)
		if copyable(types[i]) {
			ex.CopyMask[i] = 1
		}
		if vocab.Has(tok) {
			ex.SrcExtIDs[i] = vocab.ID(tok)
			continue
		}
		idx, seen := oovIndex[tok]
		if !seen {
			idx = int32(len(oovIndex))
			oovIndex[tok] = idx
		}
		extID := vocabSize + idx
		ex.SrcExtIDs[i] = extID
		ex.IdxToTok[extID] = tok
	}
	ex.OOVCount = len(oovIndex)

	ex.Question = []int32{BosID}
	if rec.Question != "" {
		for _, tok := range tokenizeQuestion(rec.Question) {
			ex.Question = append(ex.Question, vocab.ID(tok))
		}
		ex.Question = append(ex.Question, EosID)
	}

	return ex
}

// collectTokens gathers the vocabulary token stream for one record in
// first-appearance order: source tokens first, then gold question tokens.
func collectTokens(rec Record, family Family, schema *DBSchema) []string {
	tokens := TokenizeSQL(rec.Query)
	if family == FamilyTree {
		tokens = buildTree(tokens, schema).tokens
	}
	if rec.Question != "" {
		tokens = append(tokens, tokenizeQuestion(rec.Question)...)
	}
	return tokens
}

// RelDistMatrix returns the flattened [len, len] matrix of pairwise relative
// distances clamped to +-maxDist and shifted to [0, 2*maxDist], the bucket
// index space of the relative-attention embedding table.
func (ex *Example) RelDistMatrix(maxDist int) []int32 {
	n := len(ex.SrcIDs)
	m := make([]int32, n*n)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			d := j - i
			if d < -maxDist {
				d = -maxDist
			} else if d > maxDist {
				d = maxDist
			}
			m[i*n+j] = int32(d + maxDist)
		}
	}
	return m
}

// CopyScatter returns the flattened [len, extVocab] one-hot matrix routing
// copy attention mass from source positions to extended-vocabulary ids.
// It fails when the example holds more out-of-vocabulary tokens than the
// extended vocabulary has room for.
func (ex *Example) CopyScatter(extVocab int) ([]float32, error) {
	n := len(ex.SrcExtIDs)
	m := make([]float32, n*extVocab)
	for i, extID := range ex.SrcExtIDs {
		if int(extID) >= extVocab {
			return nil, errors.Errorf(
				"example needs extended id %d for one of its %d out-of-vocabulary tokens, but the extended vocabulary has only %d ids",
				extID, ex.OOVCount, extVocab)
		}
		m[i*extVocab+int(extID)] = 1
	}
	return m, nil
}
