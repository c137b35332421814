package deltaapply

import (
	"strconv"

	"github.com/opengisch/fieldq/internal/worker/gis"
)

// JSONFileStore applies deltas directly to the layers of a JSON project
// file. Every mutation is written through so a crash mid-batch leaves the
// already-applied deltas durable.
type JSONFileStore struct {
	path string
	doc  *gis.Doc
}

func OpenJSONFileStore(path string) (*JSONFileStore, error) {
	doc, err := gis.LoadDoc(path)
	if err != nil {
		return nil, err
	}
	return &JSONFileStore{path: path, doc: doc}, nil
}

func (s *JSONFileStore) Get(layerID, pk string) (*Feature, bool, error) {
	layer := s.doc.Layer(layerID)
	if layer == nil {
		return nil, false, &ErrLayerNotFound{LayerID: layerID}
	}
	f, ok := layer.Features[pk]
	if !ok {
		return nil, false, nil
	}
	return &Feature{PK: pk, Geometry: f.Geometry, Attributes: f.Attributes}, true, nil
}

func (s *JSONFileStore) Create(layerID string, f *Feature) (string, error) {
	layer := s.doc.Layer(layerID)
	if layer == nil {
		return "", &ErrLayerNotFound{LayerID: layerID}
	}
	if layer.Features == nil {
		layer.Features = map[string]gis.Feature{}
	}

	layer.NextPK++
	pk := strconv.Itoa(layer.NextPK)
	layer.Features[pk] = gis.Feature{Geometry: f.Geometry, Attributes: f.Attributes}
	return pk, s.flush()
}

func (s *JSONFileStore) Update(layerID string, f *Feature) error {
	layer := s.doc.Layer(layerID)
	if layer == nil {
		return &ErrLayerNotFound{LayerID: layerID}
	}
	layer.Features[f.PK] = gis.Feature{Geometry: f.Geometry, Attributes: f.Attributes}
	return s.flush()
}

func (s *JSONFileStore) Delete(layerID, pk string) error {
	layer := s.doc.Layer(layerID)
	if layer == nil {
		return &ErrLayerNotFound{LayerID: layerID}
	}
	delete(layer.Features, pk)
	return s.flush()
}

func (s *JSONFileStore) flush() error {
	return gis.SaveDoc(s.path, s.doc)
}
