package dataset

// Special token ids shared by every vocabulary. Generated sequences use pad for
// padding, unk for unknown or clamped copy ids, bos as the decode start marker
// and eos as the end marker.
const (
	PadID int32 = 0
	UnkID int32 = 1
	BosID int32 = 2
	EosID int32 = 3
)

const (
	PadToken = "<pad>"
	UnkToken = "<unk>"
	BosToken = "<s>"
	EosToken = "</s>"
)

// Vocabulary is an immutable bidirectional token/id mapping with fixed special
// ids. A family's training dataset owns the canonical instance; evaluation
// datasets must be bound to that same instance so ids stay compatible.
type Vocabulary struct {
	tokenToID map[string]int32
	idToToken []string
}

// NewVocabulary builds a vocabulary from tokens in first-appearance order,
// preceded by the special tokens. Duplicates are ignored.
func NewVocabulary(tokens []string) *Vocabulary {
	v := &Vocabulary{
		tokenToID: make(map[string]int32, len(tokens)+4),
		idToToken: make([]string, 0, len(tokens)+4),
	}
	for _, tok := range []string{PadToken, UnkToken, BosToken, EosToken} {
		v.add(tok)
	}
	for _, tok := range tokens {
		v.add(tok)
	}
	return v
}

func (v *Vocabulary) add(tok string) {
	if _, ok := v.tokenToID[tok]; ok {
		return
	}
	v.tokenToID[tok] = int32(len(v.idToToken))
	v.idToToken = append(v.idToToken, tok)
}

// Size returns the number of tokens, specials included.
func (v *Vocabulary) Size() int {
	return len(v.idToToken)
}

// ID returns the id for a token, falling back to unk.
func (v *Vocabulary) ID(tok string) int32 {
	if id, ok := v.tokenToID[tok]; ok {
		return id
	}
	return UnkID
}

// Has reports whether the token is in the closed vocabulary.
func (v *Vocabulary) Has(tok string) bool {
	_, ok := v.tokenToID[tok]
	return ok
}

// Token returns the surface form for an id, falling back to unk for ids
// outside the closed vocabulary (copy ids are resolved elsewhere).
func (v *Vocabulary) Token(id int32) string {
	if id < 0 || int(id) >= len(v.idToToken) {
		return UnkToken
	}
	return v.idToToken[id]
}
