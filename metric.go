package sql2nl

import (
	"math"
	"strings"

	"github.com/KaLuLas/SQL2NL-demo/dataset"
)

// Detokenize renders generated ids as text. In-vocabulary ids resolve through
// the Vocabulary; extended ids resolve through the example's copy map, falling
// back to the unk token for ids nothing aligned to. Rendering stops at the
// first end marker and skips padding; the id sequence itself is never
// shortened.
func Detokenize(ids []int32, vocab *dataset.Vocabulary, idxToTok map[int32]string) string {
	vocabSize := int32(vocab.Size())
	var words []string
	for _, id := range ids {
		if id == dataset.EosID {
			break
		}
		if id == dataset.PadID {
			continue
		}
		if id >= vocabSize {
			tok, ok := idxToTok[id]
			if !ok {
				tok = dataset.UnkToken
			}
			words = append(words, tok)
			continue
		}
		words = append(words, vocab.Token(id))
	}
	return strings.Join(words, " ")
}

// Score computes a smoothed sentence BLEU between candidate and reference
// text: whitespace tokens, lowercased, n-grams up to 4 with add-one smoothing
// on the higher orders, and a brevity penalty. The result is in [0, 1].
func Score(candidate, reference string) float64 {
	cand := strings.Fields(strings.ToLower(candidate))
	ref := strings.Fields(strings.ToLower(reference))
	if len(cand) == 0 || len(ref) == 0 {
		return 0
	}

	maxN := 4
	if len(cand) < maxN {
		maxN = len(cand)
	}

	logSum := 0.0
	for n := 1; n <= maxN; n++ {
		matches, total := ngramOverlap(cand, ref, n)
		if n == 1 {
			if matches == 0 {
				return 0
			}
			logSum += math.Log(float64(matches) / float64(total))
			continue
		}
		logSum += math.Log(float64(matches+1) / float64(total+1))
	}
	score := math.Exp(logSum / float64(maxN))

	// Brevity penalty.
	if len(cand) < len(ref) {
		score *= math.Exp(1 - float64(len(ref))/float64(len(cand)))
	}
	return score
}

// ngramOverlap counts clipped n-gram matches between candidate and reference,
// and the total n-grams in the candidate.
func ngramOverlap(cand, ref []string, n int) (matches, total int) {
	refCounts := make(map[string]int)
	for i := 0; i+n <= len(ref); i++ {
		refCounts[strings.Join(ref[i:i+n], " ")]++
	}
	for i := 0; i+n <= len(cand); i++ {
		gram := strings.Join(cand[i:i+n], " ")
		total++
		if refCounts[gram] > 0 {
			refCounts[gram]--
			matches++
		}
	}
	return matches, total
}
