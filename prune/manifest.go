package prune

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/samber/lo"
)

const layersField = "layers"

// Manifest is an image manifest whose layer list can be rewritten while
// every other top-level field is kept byte for byte, in its original order.
// Layer entries that survive a rewrite keep their original encoding,
// including properties outside the descriptor schema.
type Manifest struct {
	Layers []ocispec.Descriptor

	keys   []string
	fields map[string]json.RawMessage
	// rawLayers holds the original encoding of each layer entry by digest,
	// in manifest order.
	rawLayers map[string][]json.RawMessage
}

// ParseManifest decodes a manifest document. The document must be a JSON
// object with a layers array.
func ParseManifest(data []byte) (*Manifest, error) {
	dec := json.NewDecoder(bytes.NewReader(data))

	tok, err := dec.Token()
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, fmt.Errorf("manifest is not a JSON object")
	}

	m := &Manifest{fields: make(map[string]json.RawMessage)}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("failed to read manifest field: %w", err)
		}
		key, ok := tok.(string)
		if !ok {
			return nil, fmt.Errorf("unexpected manifest token %v", tok)
		}
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return nil, fmt.Errorf("failed to read manifest field %q: %w", key, err)
		}
		if _, seen := m.fields[key]; !seen {
			m.keys = append(m.keys, key)
		}
		m.fields[key] = raw
	}
	if _, err := dec.Token(); err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, fmt.Errorf("trailing data after manifest")
	}

	raw, ok := m.fields[layersField]
	if !ok {
		return nil, fmt.Errorf("manifest has no %q field", layersField)
	}
	var entries []json.RawMessage
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("failed to decode manifest layers: %w", err)
	}
	m.Layers = make([]ocispec.Descriptor, 0, len(entries))
	m.rawLayers = make(map[string][]json.RawMessage, len(entries))
	for i, entry := range entries {
		var desc ocispec.Descriptor
		if err := json.Unmarshal(entry, &desc); err != nil {
			return nil, fmt.Errorf("failed to decode manifest layer %d: %w", i, err)
		}
		m.Layers = append(m.Layers, desc)
		key := desc.Digest.String()
		m.rawLayers[key] = append(m.rawLayers[key], entry)
	}
	return m, nil
}

// MarshalJSON encodes the manifest with the current layer list in place of
// the original one.
func (m *Manifest) MarshalJSON() ([]byte, error) {
	encodedLayers, err := m.encodeLayers()
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, key := range m.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		encodedKey, err := json.Marshal(key)
		if err != nil {
			return nil, err
		}
		buf.Write(encodedKey)
		buf.WriteByte(':')
		if key == layersField {
			buf.Write(encodedLayers)
		} else {
			buf.Write(m.fields[key])
		}
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// encodeLayers writes the current layer list. An entry parsed from the
// original document is written as it was read; the n-th entry with a given
// digest uses the n-th original encoding of that digest. Entries without an
// original encoding are marshaled from the descriptor.
func (m *Manifest) encodeLayers() ([]byte, error) {
	used := make(map[string]int)
	var buf bytes.Buffer
	buf.WriteByte('[')
	for i, desc := range m.Layers {
		if i > 0 {
			buf.WriteByte(',')
		}
		key := desc.Digest.String()
		if originals := m.rawLayers[key]; used[key] < len(originals) {
			buf.Write(originals[used[key]])
			used[key]++
			continue
		}
		encoded, err := json.Marshal(desc)
		if err != nil {
			return nil, err
		}
		buf.Write(encoded)
	}
	buf.WriteByte(']')
	return buf.Bytes(), nil
}

// Partition splits entries into those whose digest is not in base (kept) and
// those whose digest is (redundant). Both keep the relative order of entries.
func Partition(entries []ocispec.Descriptor, base []string) (kept, redundant []ocispec.Descriptor) {
	baseSet := lo.Keyify(base)
	kept = []ocispec.Descriptor{}
	redundant = []ocispec.Descriptor{}
	for _, entry := range entries {
		if _, inBase := baseSet[entry.Digest.String()]; inBase {
			redundant = append(redundant, entry)
			continue
		}
		kept = append(kept, entry)
	}
	return kept, redundant
}
