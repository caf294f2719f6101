package seq2seq

import (
	"encoding/json"
	"strconv"

	"github.com/gomlx/go-nmt/config"
	"github.com/gomlx/go-nmt/models/safetensors"
	"github.com/pkg/errors"
)

// Metadata keys stored in parameter snapshots.
const (
	MetadataModel       = "model"
	MetadataTokens      = "tokens"
	MetadataSourceVocab = "source_vocab"
	MetadataTargetVocab = "target_vocab"
	MetadataVariant     = "variant"
)

// Tensors returns the model parameters, in Params order.
func (m *Model) Tensors() ([]safetensors.TensorAndName, error) {
	params := m.Params()
	ts := make([]safetensors.TensorAndName, len(params))
	for i, p := range params {
		t, err := p.Value()
		if err != nil {
			return nil, errors.WithMessagef(err, "parameter %s", p.Name)
		}
		ts[i] = safetensors.TensorAndName{Name: p.Name, Tensor: t}
	}
	return ts, nil
}

// Metadata describes the model architecture, enough to recreate it with FromSnapshot.
func (m *Model) Metadata() (map[string]string, error) {
	modelJSON, err := json.Marshal(m.Config)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal model configuration")
	}
	tokensJSON, err := json.Marshal(m.Tokens)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal reserved tokens")
	}
	return map[string]string{
		MetadataModel:       string(modelJSON),
		MetadataTokens:      string(tokensJSON),
		MetadataSourceVocab: strconv.Itoa(m.SourceVocabSize()),
		MetadataTargetVocab: strconv.Itoa(m.TargetVocabSize()),
		MetadataVariant:     m.Variant(),
	}, nil
}

// LoadTensors sets the model parameters from a snapshot. Every parameter must be present with
// the same shape.
func (m *Model) LoadTensors(f *safetensors.File) error {
	for _, p := range m.Params() {
		t, err := f.ReadTensor(p.Name)
		if err != nil {
			return errors.WithMessagef(err, "loading parameter %s", p.Name)
		}
		if !t.Shape().Equal(p.Shape()) {
			return errors.Errorf("parameter %s has shape %s in snapshot, model expects %s", p.Name, t.Shape(), p.Shape())
		}
		if err := p.SetValue(t); err != nil {
			return errors.WithMessagef(err, "loading parameter %s", p.Name)
		}
	}
	return nil
}

// FromSnapshot recreates a model from a snapshot written with its Tensors and Metadata.
func FromSnapshot(f *safetensors.File) (*Model, error) {
	md := f.Metadata()
	var cfg config.Model
	if err := json.Unmarshal([]byte(md[MetadataModel]), &cfg); err != nil {
		return nil, errors.Wrap(err, "snapshot has no valid model configuration")
	}
	var tokens config.Tokens
	if err := json.Unmarshal([]byte(md[MetadataTokens]), &tokens); err != nil {
		return nil, errors.Wrap(err, "snapshot has no valid reserved tokens")
	}
	sourceVocab, err := strconv.Atoi(md[MetadataSourceVocab])
	if err != nil {
		return nil, errors.Wrap(err, "snapshot has no valid source vocabulary size")
	}
	targetVocab, err := strconv.Atoi(md[MetadataTargetVocab])
	if err != nil {
		return nil, errors.Wrap(err, "snapshot has no valid target vocabulary size")
	}
	m, err := New(cfg, tokens, sourceVocab, targetVocab)
	if err != nil {
		return nil, err
	}
	if err := m.LoadTensors(f); err != nil {
		return nil, err
	}
	return m, nil
}
