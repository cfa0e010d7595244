package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ShayCichocki/steward/internal/graph"
)

// ErrInvalidManifest is returned for manifests that cannot be imported as a whole.
var ErrInvalidManifest = errors.New("invalid manifest")

// Manifest describes a batch of related work items.
//
//	items:
//	  - key: schema
//	    description: Apply schema migration
//	    action: migrate
//	  - key: deploy
//	    description: Roll out the release
//	    depends_on: [schema]
type Manifest struct {
	Items []ManifestItem `yaml:"items"`
}

// ManifestItem is one work item. DependsOn names other keys of the same
// manifest or ids of items that already exist.
type ManifestItem struct {
	Key           string `yaml:"key"`
	SubmitRequest `yaml:",inline"`
}

// ParseManifest decodes a YAML manifest. Unknown fields are rejected.
func ParseManifest(r io.Reader) (*Manifest, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var m Manifest
	if err := dec.Decode(&m); err != nil {
		if errors.Is(err, io.EOF) {
			return &m, nil
		}
		return nil, fmt.Errorf("%w: %w", ErrInvalidManifest, err)
	}
	return &m, nil
}

// Import submits every manifest item, dependencies first, and returns the id
// assigned to each key. The whole manifest is checked before anything is
// submitted; a failure part way through leaves the items submitted so far.
func (d *Dispatcher) Import(ctx context.Context, m *Manifest) (map[string]string, error) {
	order, err := d.importOrder(m)
	if err != nil {
		return nil, err
	}

	ids := make(map[string]string, len(order))
	for _, it := range order {
		req := it.SubmitRequest
		req.DependsOn = make([]string, len(it.DependsOn))
		for i, dep := range it.DependsOn {
			if id, ok := ids[dep]; ok {
				req.DependsOn[i] = id
			} else {
				req.DependsOn[i] = dep
			}
		}
		item, err := d.Submit(ctx, req)
		if err != nil {
			return ids, fmt.Errorf("import %s: %w", it.Key, err)
		}
		ids[it.Key] = item.ID
	}
	return ids, nil
}

// importOrder validates keys and references and orders items so every key
// comes after the keys it depends on. Ties keep manifest order.
func (d *Dispatcher) importOrder(m *Manifest) ([]ManifestItem, error) {
	byKey := make(map[string]ManifestItem, len(m.Items))
	for i, it := range m.Items {
		if strings.TrimSpace(it.Key) == "" {
			return nil, fmt.Errorf("%w: item %d has no key", ErrInvalidManifest, i)
		}
		if _, dup := byKey[it.Key]; dup {
			return nil, fmt.Errorf("%w: duplicate key %q", ErrInvalidManifest, it.Key)
		}
		if strings.TrimSpace(it.Description) == "" {
			return nil, fmt.Errorf("%w: %s: %w", ErrInvalidManifest, it.Key, ErrEmptyDescription)
		}
		byKey[it.Key] = it
	}
	for _, it := range m.Items {
		for _, dep := range it.DependsOn {
			if _, ok := byKey[dep]; ok {
				continue
			}
			if d.graph.Get(dep) == nil {
				return nil, fmt.Errorf("%w: %s: %w", ErrInvalidManifest, it.Key, &graph.NotFoundError{ID: dep})
			}
		}
	}

	done := make(map[string]bool, len(m.Items))
	order := make([]ManifestItem, 0, len(m.Items))
	for len(order) < len(m.Items) {
		progressed := false
		for _, it := range m.Items {
			if done[it.Key] || !localDepsDone(it, byKey, done) {
				continue
			}
			done[it.Key] = true
			order = append(order, it)
			progressed = true
		}
		if !progressed {
			var stuck []string
			for _, it := range m.Items {
				if !done[it.Key] {
					stuck = append(stuck, it.Key)
				}
			}
			return nil, fmt.Errorf("%w: %w among %s", ErrInvalidManifest, graph.ErrCycle, strings.Join(stuck, ", "))
		}
	}
	return order, nil
}

func localDepsDone(it ManifestItem, byKey map[string]ManifestItem, done map[string]bool) bool {
	for _, dep := range it.DependsOn {
		if _, local := byKey[dep]; local && !done[dep] {
			return false
		}
	}
	return true
}
