package gis

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// The default toolkit operates on JSON project files: a document carrying
// project metadata plus per-layer feature data. It backs development
// deployments and every test; heavyweight toolkits implement the same
// interfaces out of tree.

// Feature is one feature of a layer in a JSON project.
type Feature struct {
	Geometry   *string        `json:"geometry,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// Layer is one layer of a JSON project, features keyed by primary key.
type Layer struct {
	ID         string             `json:"id"`
	Name       string             `json:"name"`
	Datasource string             `json:"datasource"`
	Valid      bool               `json:"valid"`
	NextPK     int                `json:"next_pk"`
	Features   map[string]Feature `json:"features"`
}

// Doc is the on-disk shape of a JSON project file.
type Doc struct {
	Title  string   `json:"title"`
	CRS    string   `json:"crs"`
	Layers []*Layer `json:"layers"`
}

// Layer returns the layer with the given id, or nil.
func (d *Doc) Layer(id string) *Layer {
	for _, l := range d.Layers {
		if l.ID == id {
			return l
		}
	}
	return nil
}

// LoadDoc reads and validates a JSON project file. A missing file surfaces
// as fs.ErrNotExist; unparseable content as InvalidProjectFileError.
func LoadDoc(path string) (*Doc, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var doc Doc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, &InvalidProjectFileError{Path: path, Reason: err.Error()}
	}
	if len(doc.Layers) == 0 {
		return nil, &InvalidProjectFileError{Path: path, Reason: "project has no layers"}
	}
	return &doc, nil
}

// SaveDoc writes a JSON project file back to disk.
func SaveDoc(path string, doc *Doc) error {
	raw, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, raw, 0o644)
}

type JSONToolkit struct{}

func NewJSONToolkit() Toolkit {
	return &JSONToolkit{}
}

func (t *JSONToolkit) OpenProject(ctx context.Context, path string) (Project, error) {
	doc, err := LoadDoc(path)
	if err != nil {
		return nil, err
	}
	return &jsonProject{path: path, doc: doc}, nil
}

type jsonProject struct {
	path string
	doc  *Doc
}

func (p *jsonProject) Details(ctx context.Context) (map[string]any, error) {
	layers := map[string]any{}
	for _, l := range p.doc.Layers {
		layers[l.ID] = map[string]any{
			"name":          l.Name,
			"datasource":    l.Datasource,
			"valid":         l.Valid,
			"feature_count": len(l.Features),
		}
	}
	return map[string]any{
		"title":       p.doc.Title,
		"crs":         p.doc.CRS,
		"layer_count": len(p.doc.Layers),
		"layers_by_id": layers,
	}, nil
}

func (p *jsonProject) Layers(ctx context.Context) ([]LayerInfo, error) {
	infos := make([]LayerInfo, 0, len(p.doc.Layers))
	for _, l := range p.doc.Layers {
		infos = append(infos, LayerInfo{
			ID:          l.ID,
			Name:        l.Name,
			Datasource:  l.Datasource,
			ValidOnDisk: l.Valid,
		})
	}
	return infos, nil
}

// Package writes the project file plus a layer manifest into destDir.
func (p *jsonProject) Package(ctx context.Context, destDir string) ([]string, error) {
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return nil, err
	}

	projectName := filepath.Base(p.path)
	if err := SaveDoc(filepath.Join(destDir, projectName), p.doc); err != nil {
		return nil, err
	}

	layers, err := p.Layers(ctx)
	if err != nil {
		return nil, err
	}
	manifest, err := json.MarshalIndent(layers, "", "  ")
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(filepath.Join(destDir, "layers.json"), manifest, 0o644); err != nil {
		return nil, err
	}
	return []string{projectName, "layers.json"}, nil
}

func (p *jsonProject) Thumbnail(ctx context.Context, destPath string) error {
	thumb := map[string]any{
		"title":  p.doc.Title,
		"layers": len(p.doc.Layers),
	}
	raw, err := json.Marshal(thumb)
	if err != nil {
		return fmt.Errorf("rendering thumbnail: %w", err)
	}
	return os.WriteFile(destPath, raw, 0o644)
}

func (p *jsonProject) Close() {}
