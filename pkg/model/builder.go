package model

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/cuemby/burrow/pkg/errdefs"
	"github.com/cuemby/burrow/pkg/types"
	"gopkg.in/yaml.v3"
)

// ManifestFile is the package manifest name expected at the package root
const ManifestFile = "services.yaml"

// Manifest is the parsed application package manifest
type Manifest struct {
	Clusters []ClusterSpec `yaml:"clusters"`
	Files    []string      `yaml:"files,omitempty"`
}

// ClusterSpec describes one serving cluster in the manifest
type ClusterSpec struct {
	Name      string         `yaml:"name"`
	Hosts     int            `yaml:"hosts"`
	Documents []DocumentSpec `yaml:"documents,omitempty"`
}

// DocumentSpec describes one document type served by a cluster
type DocumentSpec struct {
	Type string `yaml:"type"`
	Mode string `yaml:"mode"`
}

// Document modes
const (
	ModeIndex     = "index"
	ModeStreaming = "streaming"
	ModeStoreOnly = "store-only"
)

// BuildResult is what prepare consumes from a validated package
type BuildResult struct {
	Manifest       *Manifest
	HostCapacity   int
	FileReferences []string
	Actions        []types.ChangeAction
}

// Validator turns a package directory into a validated build result
type Validator interface {
	Validate(packageDir string, previous *Manifest) (*BuildResult, error)
}

// Builder parses and validates package manifests and computes the change
// actions a new manifest requires relative to the previously active one.
type Builder struct {
	registry *Registry
}

// NewBuilder creates a builder over the given schema registry
func NewBuilder(registry *Registry) *Builder {
	return &Builder{registry: registry}
}

// Validate parses the manifest in packageDir, validates it, and computes
// change actions against the previous manifest (nil for a first deployment).
// A parse or validation failure is a validation error; the session stays
// where it was.
func (b *Builder) Validate(packageDir string, previous *Manifest) (*BuildResult, error) {
	manifest, err := b.Load(packageDir)
	if err != nil {
		return nil, err
	}

	capacity := 0
	for _, cluster := range manifest.Clusters {
		capacity += cluster.Hosts
	}

	refs := append([]string(nil), manifest.Files...)
	sort.Strings(refs)

	return &BuildResult{
		Manifest:       manifest,
		HostCapacity:   capacity,
		FileReferences: refs,
		Actions:        diffActions(previous, manifest),
	}, nil
}

// Load reads and validates the manifest from a package directory
func (b *Builder) Load(packageDir string) (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(packageDir, ManifestFile))
	if err != nil {
		return nil, errdefs.Validationf("failed to read %s: %v", ManifestFile, err)
	}

	var manifest Manifest
	if err := yaml.Unmarshal(data, &manifest); err != nil {
		return nil, errdefs.Validationf("failed to parse %s: %v", ManifestFile, err)
	}

	if err := validateManifest(&manifest); err != nil {
		return nil, err
	}
	return &manifest, nil
}

func validateManifest(m *Manifest) error {
	if len(m.Clusters) == 0 {
		return errdefs.Validationf("manifest declares no clusters")
	}

	seen := make(map[string]bool, len(m.Clusters))
	for _, cluster := range m.Clusters {
		if cluster.Name == "" {
			return errdefs.Validationf("cluster name is required")
		}
		if seen[cluster.Name] {
			return errdefs.Validationf("duplicate cluster %q", cluster.Name)
		}
		seen[cluster.Name] = true

		if cluster.Hosts < 1 {
			return errdefs.Validationf("cluster %q: hosts must be at least 1", cluster.Name)
		}

		docs := make(map[string]bool, len(cluster.Documents))
		for _, doc := range cluster.Documents {
			if doc.Type == "" {
				return errdefs.Validationf("cluster %q: document type is required", cluster.Name)
			}
			if docs[doc.Type] {
				return errdefs.Validationf("cluster %q: duplicate document type %q", cluster.Name, doc.Type)
			}
			docs[doc.Type] = true

			switch doc.Mode {
			case ModeIndex, ModeStreaming, ModeStoreOnly:
			default:
				return errdefs.Validationf("cluster %q document %q: invalid mode %q", cluster.Name, doc.Type, doc.Mode)
			}
		}
	}
	return nil
}

// diffActions computes the restart/refeed/reindex actions moving from the
// old manifest to the new one. A nil old manifest is a first deployment and
// requires no actions.
func diffActions(old, next *Manifest) []types.ChangeAction {
	if old == nil {
		return nil
	}

	oldClusters := make(map[string]ClusterSpec, len(old.Clusters))
	for _, cluster := range old.Clusters {
		oldClusters[cluster.Name] = cluster
	}

	var actions []types.ChangeAction
	for _, cluster := range next.Clusters {
		prev, existed := oldClusters[cluster.Name]
		if !existed {
			continue
		}

		if prev.Hosts != cluster.Hosts {
			actions = append(actions, types.ChangeAction{
				Kind:    types.ChangeActionRestart,
				Cluster: cluster.Name,
				Message: fmt.Sprintf("cluster %q host count changed from %d to %d", cluster.Name, prev.Hosts, cluster.Hosts),
			})
		}

		prevDocs := make(map[string]DocumentSpec, len(prev.Documents))
		for _, doc := range prev.Documents {
			prevDocs[doc.Type] = doc
		}

		nextDocs := make(map[string]bool, len(cluster.Documents))
		for _, doc := range cluster.Documents {
			nextDocs[doc.Type] = true
			prevDoc, ok := prevDocs[doc.Type]
			if ok && prevDoc.Mode != doc.Mode {
				actions = append(actions, types.ChangeAction{
					Kind:     types.ChangeActionReindex,
					Cluster:  cluster.Name,
					Document: doc.Type,
					Message:  fmt.Sprintf("document %q mode changed from %s to %s", doc.Type, prevDoc.Mode, doc.Mode),
				})
			}
		}

		for _, doc := range prev.Documents {
			if !nextDocs[doc.Type] {
				actions = append(actions, types.ChangeAction{
					Kind:     types.ChangeActionRefeed,
					Cluster:  cluster.Name,
					Document: doc.Type,
					Message:  fmt.Sprintf("document %q removed", doc.Type),
				})
			}
		}
	}

	sort.Slice(actions, func(i, j int) bool {
		if actions[i].Cluster != actions[j].Cluster {
			return actions[i].Cluster < actions[j].Cluster
		}
		if actions[i].Document != actions[j].Document {
			return actions[i].Document < actions[j].Document
		}
		return actions[i].Kind < actions[j].Kind
	})
	return actions
}
