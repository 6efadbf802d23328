// Package sql2nl generates natural-language descriptions of SQL queries by
// running trained seq2seq checkpoints through GoMLX.
//
// The root package holds the architecture registry, checkpoint loading, the
// greedy decode loop and the request orchestrator. Architecture packages
// under architectures/ register themselves in init; the dataset package
// prepares vocabulary-bound examples; the safetensors package reads and
// writes the checkpoint container format.
package sql2nl

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// Hyperparams mirrors the training-time argument record stored in each
// checkpoint's metadata. Fields not in the struct stay available in Raw for
// architecture-specific parsing.
type Hyperparams struct {
	// Source is the checkpoint path the record came from (not from JSON).
	Source string `json:"-"`

	// Model is the architecture tag the checkpoint was trained as.
	Model string `json:"model"`

	// Dimensions shared by all architectures.
	EmbedDim int     `json:"down_embed_dim"`
	HidSize  int     `json:"hid_size"`
	Dropout  float64 `json:"dropout"`

	// Copy mechanism.
	Copy      bool `json:"copy"`
	MaxOOVNum int  `json:"max_oov_num"`

	// Transformer stack.
	DModel   int `json:"down_d_model"`
	DFF      int `json:"down_d_ff"`
	HeadNum  int `json:"down_head_num"`
	LayerNum int `json:"down_layer_num"`

	// Relative attention.
	MaxDist  int  `json:"down_max_dist"`
	RelShare bool `json:"rel_share"`
	KVShare  bool `json:"k_v_share"`

	// Sinusoidal position encoding toggle for the absolute transformer.
	AbsolutePos bool `json:"absolute_pos"`

	// Evaluation settings, overridden after checkpoint load.
	Data          string `json:"data,omitempty"`
	EvalBatchSize int    `json:"eval_batch_size,omitempty"`

	// The raw record for architecture-specific lookups.
	Raw map[string]interface{} `json:"-"`
}

// ParseHyperparams parses a JSON hyperparameter record.
func ParseHyperparams(content []byte) (*Hyperparams, error) {
	params := &Hyperparams{}

	if err := json.Unmarshal(content, params); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal hyperparameters")
	}

	if err := json.Unmarshal(content, &params.Raw); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal hyperparameters to raw map")
	}

	return params, nil
}

// ExtendedVocabSize is the generation vocabulary size: the closed vocabulary
// plus the copy slots reserved for out-of-vocabulary source tokens.
func (p *Hyperparams) ExtendedVocabSize(vocabSize int) int {
	return vocabSize + p.MaxOOVNum
}

// HeadDim returns the dimension of each attention head.
func (p *Hyperparams) HeadDim() int {
	if p.HeadNum == 0 {
		return 0
	}
	return p.DModel / p.HeadNum
}

// GetString retrieves a string field from the raw record.
func (p *Hyperparams) GetString(key string) (string, bool) {
	if v, ok := p.Raw[key]; ok {
		if s, ok := v.(string); ok {
			return s, true
		}
	}
	return "", false
}

// GetInt retrieves an integer field from the raw record.
func (p *Hyperparams) GetInt(key string) (int, bool) {
	if v, ok := p.Raw[key]; ok {
		switch n := v.(type) {
		case float64:
			return int(n), true
		case int:
			return n, true
		}
	}
	return 0, false
}

// GetFloat retrieves a float field from the raw record.
func (p *Hyperparams) GetFloat(key string) (float64, bool) {
	if v, ok := p.Raw[key]; ok {
		if f, ok := v.(float64); ok {
			return f, true
		}
	}
	return 0, false
}

// GetBool retrieves a boolean field from the raw record.
func (p *Hyperparams) GetBool(key string) (bool, bool) {
	if v, ok := p.Raw[key]; ok {
		if b, ok := v.(bool); ok {
			return b, true
		}
	}
	return false, false
}
