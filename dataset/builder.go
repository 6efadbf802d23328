package dataset

import (
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Config locates the fixed training corpus.
type Config struct {
	// TrainFiles are the JSON record files the training datasets are built from.
	TrainFiles []string

	// TablesFile is the spider tables.json schema file.
	TablesFile string
}

// Builder constructs datasets with shared vocabularies. The training dataset
// of each family is built lazily on first use and cached for the life of the
// process; evaluation datasets are built per request and bound to the cached
// training Vocabulary of their family.
type Builder struct {
	cfg Config
	log *zap.Logger

	seqOnce  sync.Once
	seq      *Dataset
	seqErr   error
	treeOnce sync.Once
	tree     *Dataset
	treeErr  error
}

// NewBuilder returns a Builder over the given corpus locations.
func NewBuilder(cfg Config, log *zap.Logger) *Builder {
	if log == nil {
		log = zap.NewNop()
	}
	return &Builder{cfg: cfg, log: log}
}

// EnsureTraining returns the family's cached training dataset, building it on
// first call. The returned Dataset owns the canonical Vocabulary instance for
// the family.
func (b *Builder) EnsureTraining(family Family) (*Dataset, error) {
	switch family {
	case FamilySeq:
		b.seqOnce.Do(func() {
			b.log.Info("generating training dataset", zap.String("key", "train_seq_dataset"))
			b.seq, b.seqErr = b.buildTraining(FamilySeq)
			if b.seqErr == nil {
				b.log.Info("training dataset generated", zap.String("key", "train_seq_dataset"),
					zap.Int("examples", len(b.seq.Examples)), zap.Int("vocab", b.seq.Vocab.Size()))
			}
		})
		return b.seq, b.seqErr
	case FamilyTree:
		b.treeOnce.Do(func() {
			b.log.Info("generating training dataset", zap.String("key", "train_tree_dataset"))
			b.tree, b.treeErr = b.buildTraining(FamilyTree)
			if b.treeErr == nil {
				b.log.Info("training dataset generated", zap.String("key", "train_tree_dataset"),
					zap.Int("examples", len(b.tree.Examples)), zap.Int("vocab", b.tree.Vocab.Size()))
			}
		})
		return b.tree, b.treeErr
	}
	return nil, errors.Errorf("unknown dataset family %d", family)
}

// Ready reports whether both canonical training datasets have been built.
func (b *Builder) Ready() bool {
	return b.seq != nil && b.tree != nil
}

func (b *Builder) buildTraining(family Family) (*Dataset, error) {
	schemas, err := LoadSchemas(b.cfg.TablesFile)
	if err != nil {
		return nil, err
	}

	var records []Record
	for _, path := range b.cfg.TrainFiles {
		recs, err := readRecords(path)
		if err != nil {
			return nil, err
		}
		records = append(records, recs...)
	}

	// First pass collects the vocabulary in appearance order, second pass
	// prepares examples against the frozen mapping.
	var tokens []string
	for _, rec := range records {
		tokens = append(tokens, collectTokens(rec, family, schemas[rec.DBID])...)
	}
	vocab := NewVocabulary(tokens)

	return b.assemble(family, records, schemas, vocab)
}

// BuildEval builds a per-request dataset from one materialized record file,
// bound to the given Vocabulary. The vocab must be the training Vocabulary of
// the same family; passing any other mapping breaks id compatibility with the
// checkpoint weights.
func (b *Builder) BuildEval(family Family, vocab *Vocabulary, recordPath string) (*Dataset, error) {
	if vocab == nil {
		return nil, errors.New("evaluation dataset requires the training vocabulary")
	}
	schemas, err := LoadSchemas(b.cfg.TablesFile)
	if err != nil {
		return nil, err
	}
	records, err := readRecords(recordPath)
	if err != nil {
		return nil, err
	}
	return b.assemble(family, records, schemas, vocab)
}

func (b *Builder) assemble(family Family, records []Record, schemas SchemaIndex, vocab *Vocabulary) (*Dataset, error) {
	ds := &Dataset{
		Family:          family,
		Vocab:           vocab,
		Examples:        make([]*Example, 0, len(records)),
		OriginQuestions: make([]string, 0, len(records)),
	}
	for _, rec := range records {
		if rec.Query == "" {
			return nil, errors.Errorf("record for database %q has no query", rec.DBID)
		}
		ds.Examples = append(ds.Examples, prepareExample(rec, family, schemas[rec.DBID], vocab))
		ds.OriginQuestions = append(ds.OriginQuestions, rec.Question)
	}
	return ds, nil
}
