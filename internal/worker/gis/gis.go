// Package gis is the boundary to the GIS toolkit the workflows drive. The
// toolkit is deliberately opaque: workflows only ever need to open a project,
// read its metadata and layers, and package it.
package gis

import (
	"context"
	"fmt"
)

// InvalidProjectFileError marks a project file the toolkit cannot load.
type InvalidProjectFileError struct {
	Path   string
	Reason string
}

func (e *InvalidProjectFileError) Error() string {
	return fmt.Sprintf("invalid project file %s: %s", e.Path, e.Reason)
}

// LayerInfo describes one layer of an opened project.
type LayerInfo struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Datasource  string `json:"datasource"`
	ValidOnDisk bool   `json:"valid"`
}

// Project is one opened project file. Close releases toolkit resources; the
// toolkit is not safe to keep open across unrelated projects, which is why
// each job runs in a fresh worker.
type Project interface {
	Details(ctx context.Context) (map[string]any, error)
	Layers(ctx context.Context) ([]LayerInfo, error)
	// Package writes the offline-ready project into destDir and returns the
	// produced file names.
	Package(ctx context.Context, destDir string) ([]string, error)
	// Thumbnail renders a preview image to destPath.
	Thumbnail(ctx context.Context, destPath string) error
	Close()
}

type Toolkit interface {
	OpenProject(ctx context.Context, path string) (Project, error)
}
