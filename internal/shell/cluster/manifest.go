// Package cluster provides the Kubernetes client used by the canary
// deployment strategy.
package cluster

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"gopkg.in/yaml.v3"
)

// =============================================================================
// Manifest Decoding
// =============================================================================

// Manifest is one decoded Kubernetes object.
type Manifest map[string]any

// Kind returns the object kind, empty when absent.
func (m Manifest) Kind() string {
	kind, _ := m["kind"].(string)
	return kind
}

// Name returns metadata.name, empty when absent.
func (m Manifest) Name() string {
	meta, _ := m["metadata"].(map[string]any)
	if meta == nil {
		return ""
	}
	name, _ := meta["name"].(string)
	return name
}

// DecodeManifests parses a multi-document YAML string into manifests,
// skipping empty documents.
func DecodeManifests(raw string) ([]Manifest, error) {
	dec := yaml.NewDecoder(strings.NewReader(raw))

	var docs []Manifest
	for {
		var doc map[string]any
		err := dec.Decode(&doc)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("decode manifest document %d: %w", len(docs)+1, err)
		}
		if len(doc) == 0 {
			continue
		}
		if kind, _ := doc["kind"].(string); kind == "" {
			return nil, fmt.Errorf("manifest document %d has no kind", len(docs)+1)
		}
		docs = append(docs, Manifest(doc))
	}

	if len(docs) == 0 {
		return nil, fmt.Errorf("no manifest documents found")
	}
	return docs, nil
}

// WorkloadName returns the name of the first Deployment manifest, which
// anchors rollout status and undo.
func WorkloadName(docs []Manifest) string {
	for _, d := range docs {
		if d.Kind() == "Deployment" {
			return d.Name()
		}
	}
	return ""
}
