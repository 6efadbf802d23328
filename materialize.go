package sql2nl

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/KaLuLas/SQL2NL-demo/dataset"
)

// Materializer turns one incoming request into a record file the dataset
// builder can read. The returned path feeds the per-request eval dataset; an
// empty path is a failure the orchestrator reports.
type Materializer interface {
	Materialize(dbID, goldText, sourceQuery, identifier string) (string, error)
}

// FileMaterializer writes single-record JSON files under Dir, named by the
// request identifier.
type FileMaterializer struct {
	Dir string
}

// Materialize writes the record and returns its path.
func (f *FileMaterializer) Materialize(dbID, goldText, sourceQuery, identifier string) (string, error) {
	if err := os.MkdirAll(f.Dir, 0o755); err != nil {
		return "", errors.Wrapf(err, "failed to create input dir %q", f.Dir)
	}

	records := []dataset.Record{{DBID: dbID, Query: sourceQuery, Question: goldText}}
	content, err := json.Marshal(records)
	if err != nil {
		return "", errors.Wrap(err, "failed to encode input record")
	}

	target := filepath.Join(f.Dir, identifier+".json")
	if err := os.WriteFile(target, content, 0o644); err != nil {
		return "", errors.Wrapf(err, "failed to write input record %q", target)
	}
	return target, nil
}
