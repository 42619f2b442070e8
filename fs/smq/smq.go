// Package smq - the native SMQ sidecar format
//
// This package holds the writer and reader for the SMQ format: a JSON
// manifest (<base>.json) next to a binary file (<base>.bin) of
// concatenated weight blocks with 64-byte alignment. The format is the
// documented extension point for tooling that ships models without a
// GGUF container; the inference path itself loads GGUF.
package smq

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"

	sm "github.com/justinamiller/smallmind"
	"github.com/justinamiller/smallmind/internal/quant"
	"github.com/justinamiller/smallmind/model"
)

const blockAlignment = 64

// Manifest is the sidecar JSON describing the binary weights file.
type Manifest struct {
	Version int               `json:"version"`
	Arch    string            `json:"arch"`
	Config  model.ModelConfig `json:"config"`
	Tensors []TensorEntry     `json:"tensors"`
}

// TensorEntry locates one tensor inside the binary file.
type TensorEntry struct {
	Name   string `json:"name"`
	Shape  []int  `json:"shape"`
	Scheme string `json:"scheme"`
	Offset uint64 `json:"offset"`
	Size   uint64 `json:"size"`
}

// Write serializes m as base.json + base.bin.
func Write(base string, m *model.Model) error {
	manifest := Manifest{Version: 1, Arch: m.Config.Arch, Config: m.Config}

	bin, err := os.Create(base + ".bin")
	if err != nil {
		return sm.WrapError(sm.KindIoError, "smq: create "+base+".bin", err)
	}
	defer bin.Close()

	var offset uint64
	for pair := m.Weights.Oldest(); pair != nil; pair = pair.Next() {
		name, w := pair.Key, pair.Value

		var data []byte
		var scheme string
		var shape []int
		if w.Quant != nil {
			data = w.Quant.Data
			scheme = w.Quant.Scheme.String()
			shape = []int{w.Quant.Rows, w.Quant.Cols}
		} else {
			data = f32Bytes(w.Dense.Data)
			scheme = "F32"
			shape = w.Dense.Shape
		}

		if pad := int((blockAlignment - offset%blockAlignment) % blockAlignment); pad > 0 {
			if _, err := bin.Write(make([]byte, pad)); err != nil {
				return sm.WrapError(sm.KindIoError, "smq: pad", err)
			}
			offset += uint64(pad)
		}

		if _, err := bin.Write(data); err != nil {
			return sm.WrapError(sm.KindIoError, "smq: write "+name, err)
		}

		manifest.Tensors = append(manifest.Tensors, TensorEntry{
			Name:   name,
			Shape:  shape,
			Scheme: scheme,
			Offset: offset,
			Size:   uint64(len(data)),
		})
		offset += uint64(len(data))
	}

	mf, err := os.Create(base + ".json")
	if err != nil {
		return sm.WrapError(sm.KindIoError, "smq: create "+base+".json", err)
	}
	defer mf.Close()

	enc := json.NewEncoder(mf)
	enc.SetIndent("", "  ")
	if err := enc.Encode(manifest); err != nil {
		return sm.WrapError(sm.KindIoError, "smq: encode manifest", err)
	}
	return nil
}

// ReadManifest parses base.json.
func ReadManifest(base string) (*Manifest, error) {
	data, err := os.ReadFile(base + ".json")
	if err != nil {
		return nil, sm.WrapError(sm.KindIoError, "smq: read "+base+".json", err)
	}
	var manifest Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, sm.WrapError(sm.KindInvalidFormat, "smq: manifest", err)
	}
	if manifest.Version != 1 {
		return nil, sm.NewError(sm.KindInvalidFormat, fmt.Sprintf("smq: unsupported version %d", manifest.Version))
	}
	return &manifest, nil
}

// Read loads base.json + base.bin back into a Model. The tokenizer is
// not part of the SMQ sidecar; callers that need one attach it from the
// original source.
func Read(base string) (*model.Model, error) {
	manifest, err := ReadManifest(base)
	if err != nil {
		return nil, err
	}

	bin, err := os.Open(base + ".bin")
	if err != nil {
		return nil, sm.WrapError(sm.KindIoError, "smq: open "+base+".bin", err)
	}
	defer bin.Close()

	m := model.NewEmpty(manifest.Config)
	for _, entry := range manifest.Tensors {
		data := make([]byte, entry.Size)
		if _, err := bin.ReadAt(data, int64(entry.Offset)); err != nil {
			return nil, sm.WrapError(sm.KindIoError, "smq: tensor "+entry.Name, err)
		}

		w, err := entryWeight(entry, data)
		if err != nil {
			return nil, err
		}
		m.Weights.Set(entry.Name, w)
	}
	return m, nil
}

func entryWeight(entry TensorEntry, data []byte) (model.Weight, error) {
	if entry.Scheme == "F32" {
		vals := make([]float32, len(data)/4)
		for i := range vals {
			vals[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[4*i : 4*i+4]))
		}
		return model.Weight{Dense: &model.Tensor{Shape: entry.Shape, Data: vals}}, nil
	}

	scheme, ok := schemeByName(entry.Scheme)
	if !ok {
		return model.Weight{}, sm.NewError(sm.KindUnsupportedQuantization, entry.Scheme)
	}
	rows, cols := entry.Shape[0], entry.Shape[1]
	q := &quant.QuantizedTensor{Scheme: scheme, Rows: rows, Cols: cols, Data: data}
	if err := q.Validate(); err != nil {
		return model.Weight{}, sm.WrapError(sm.KindInvalidFormat, "smq: tensor "+entry.Name, err)
	}
	return model.Weight{Quant: q}, nil
}

func schemeByName(name string) (quant.Scheme, bool) {
	for _, s := range []quant.Scheme{quant.Q4_0, quant.Q4_1, quant.Q5_0, quant.Q8_0, quant.Q4_K, quant.Q6_K} {
		if s.String() == name {
			return s, true
		}
	}
	return 0, false
}

func f32Bytes(vals []float32) []byte {
	out := make([]byte, len(vals)*4)
	for i, v := range vals {
		binary.LittleEndian.PutUint32(out[4*i:4*i+4], math.Float32bits(v))
	}
	return out
}
