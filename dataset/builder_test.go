package dataset_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/KaLuLas/SQL2NL-demo/dataset"
)

const fixtureTables = `[
  {
    "db_id": "concert_singer",
    "table_names_original": ["singer", "concert"],
    "column_names_original": [[-1, "*"], [0, "singer_id"], [0, "name"], [0, "age"], [1, "concert_name"]]
  }
]`

const fixtureTrain = `[
  {"db_id": "concert_singer", "query": "SELECT count(*) FROM singer", "question": "How many singers do we have ?"},
  {"db_id": "concert_singer", "query": "SELECT name , age FROM singer WHERE age > 20 ORDER BY age DESC", "question": "Show name and age for singers older than 20"},
  {"db_id": "concert_singer", "query": "SELECT name FROM singer WHERE singer_id NOT IN (SELECT singer_id FROM concert)", "question": "What are the names of singers without a concert ?"}
]`

// writeCorpus materializes the fixture corpus into a temp dir and returns the
// dataset config pointing at it.
func writeCorpus(t *testing.T) dataset.Config {
	t.Helper()
	dir := t.TempDir()
	trainPath := filepath.Join(dir, "train.json")
	tablesPath := filepath.Join(dir, "tables.json")
	require.NoError(t, os.WriteFile(trainPath, []byte(fixtureTrain), 0o644))
	require.NoError(t, os.WriteFile(tablesPath, []byte(fixtureTables), 0o644))
	return dataset.Config{TrainFiles: []string{trainPath}, TablesFile: tablesPath}
}

func writeRecord(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "record.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestEnsureTrainingMemoized(t *testing.T) {
	b := dataset.NewBuilder(writeCorpus(t), zap.NewNop())

	assert.False(t, b.Ready())

	seq1, err := b.EnsureTraining(dataset.FamilySeq)
	require.NoError(t, err)
	seq2, err := b.EnsureTraining(dataset.FamilySeq)
	require.NoError(t, err)
	assert.Same(t, seq1, seq2)
	assert.False(t, b.Ready(), "tree dataset not built yet")

	tree, err := b.EnsureTraining(dataset.FamilyTree)
	require.NoError(t, err)
	assert.True(t, b.Ready())

	assert.NotSame(t, seq1.Vocab, tree.Vocab, "families own separate vocabularies")
	assert.Equal(t, 3, len(seq1.Examples))
	assert.Equal(t, 3, len(tree.Examples))
}

func TestEvalDatasetSharesVocabularyInstance(t *testing.T) {
	b := dataset.NewBuilder(writeCorpus(t), zap.NewNop())
	train, err := b.EnsureTraining(dataset.FamilySeq)
	require.NoError(t, err)

	record := writeRecord(t, `[{"db_id": "concert_singer", "query": "SELECT age FROM singer"}]`)
	eval, err := b.BuildEval(dataset.FamilySeq, train.Vocab, record)
	require.NoError(t, err)

	assert.Same(t, train.Vocab, eval.Vocab)
	require.Len(t, eval.Examples, 1)
	assert.Equal(t, []int32{dataset.BosID}, eval.Examples[0].Question,
		"no gold question leaves only the start marker")
	assert.Equal(t, "", eval.OriginQuestions[0])
}

func TestBuildEvalFailures(t *testing.T) {
	b := dataset.NewBuilder(writeCorpus(t), zap.NewNop())
	train, err := b.EnsureTraining(dataset.FamilySeq)
	require.NoError(t, err)

	t.Run("nil vocabulary", func(t *testing.T) {
		record := writeRecord(t, `[{"db_id": "concert_singer", "query": "SELECT age FROM singer"}]`)
		_, err := b.BuildEval(dataset.FamilySeq, nil, record)
		assert.Error(t, err)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := b.BuildEval(dataset.FamilySeq, train.Vocab, filepath.Join(t.TempDir(), "absent.json"))
		assert.Error(t, err)
	})

	t.Run("empty record list", func(t *testing.T) {
		record := writeRecord(t, `[]`)
		_, err := b.BuildEval(dataset.FamilySeq, train.Vocab, record)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "no records")
	})

	t.Run("malformed json", func(t *testing.T) {
		record := writeRecord(t, `{"db_id": `)
		_, err := b.BuildEval(dataset.FamilySeq, train.Vocab, record)
		assert.Error(t, err)
	})

	t.Run("record without query", func(t *testing.T) {
		record := writeRecord(t, `[{"db_id": "concert_singer", "question": "hi"}]`)
		_, err := b.BuildEval(dataset.FamilySeq, train.Vocab, record)
		assert.Error(t, err)
	})
}

func TestCopyAlignment(t *testing.T) {
	b := dataset.NewBuilder(writeCorpus(t), zap.NewNop())
	train, err := b.EnsureTraining(dataset.FamilySeq)
	require.NoError(t, err)
	vocabSize := int32(train.Vocab.Size())

	record := writeRecord(t, `[{"db_id": "concert_singer", "query": "SELECT name FROM singer WHERE name = 'Zemfira'"}]`)
	eval, err := b.BuildEval(dataset.FamilySeq, train.Vocab, record)
	require.NoError(t, err)
	ex := eval.Examples[0]

	// zemfira never appears in the training corpus: its source id clamps to
	// unk while its extended id points past the closed vocabulary.
	require.Equal(t, []string{"select", "name", "from", "singer", "where", "name", "=", "zemfira"}, ex.SrcTokens)
	last := len(ex.SrcTokens) - 1
	assert.Equal(t, dataset.UnkID, ex.SrcIDs[last])
	assert.Equal(t, vocabSize, ex.SrcExtIDs[last])
	assert.Equal(t, "zemfira", ex.IdxToTok[vocabSize])
	assert.Equal(t, 1, ex.OOVCount)

	// In-vocabulary source positions map straight to their vocabulary ids.
	assert.Equal(t, train.Vocab.ID("name"), ex.SrcExtIDs[1])
	assert.Empty(t, ex.IdxToTok[ex.SrcExtIDs[1]])

	// Keywords and operators are not copy candidates; schema and value
	// tokens are.
	assert.Equal(t, float32(0), ex.CopyMask[0], "select")
	assert.Equal(t, float32(1), ex.CopyMask[1], "name")
	assert.Equal(t, float32(1), ex.CopyMask[3], "singer")
	assert.Equal(t, float32(0), ex.CopyMask[6], "=")
	assert.Equal(t, float32(1), ex.CopyMask[last], "zemfira")

	extVocab := int(vocabSize) + 4
	scatter, err := ex.CopyScatter(extVocab)
	require.NoError(t, err)
	require.Len(t, scatter, len(ex.SrcTokens)*extVocab)
	assert.Equal(t, float32(1), scatter[last*extVocab+int(vocabSize)])
	assert.Equal(t, float32(1), scatter[1*extVocab+int(train.Vocab.ID("name"))])

	_, err = ex.CopyScatter(int(vocabSize))
	assert.Error(t, err, "no room for the out-of-vocabulary token")
}

func TestRelDistMatrix(t *testing.T) {
	b := dataset.NewBuilder(writeCorpus(t), zap.NewNop())
	train, err := b.EnsureTraining(dataset.FamilySeq)
	require.NoError(t, err)

	record := writeRecord(t, `[{"db_id": "concert_singer", "query": "SELECT age FROM singer"}]`)
	eval, err := b.BuildEval(dataset.FamilySeq, train.Vocab, record)
	require.NoError(t, err)
	ex := eval.Examples[0]

	n := len(ex.SrcIDs)
	require.Equal(t, 4, n)
	m := ex.RelDistMatrix(2)
	require.Len(t, m, n*n)
	assert.Equal(t, int32(2), m[0], "distance to self is the zero bucket")
	assert.Equal(t, int32(3), m[1], "one step right")
	assert.Equal(t, int32(4), m[3], "clamped at +maxDist")
	assert.Equal(t, int32(0), m[3*n], "clamped at -maxDist")
}
