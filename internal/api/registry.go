package api

import (
	"github.com/keller-mark/viv/internal/service"
)

// DatasetInfo contains information about a dataset for the API response.
type DatasetInfo struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Type      string `json:"type"`
	IsPyramid bool   `json:"isPyramid"`
}

// DatasetRegistry holds viewer services for all configured datasets.
type DatasetRegistry struct {
	services       map[string]*service.ViewerService
	defaultDataset string
	datasetOrder   []string
	title          string
}

// NewDatasetRegistry creates a new dataset registry.
func NewDatasetRegistry(defaultDataset string, order []string, title string) *DatasetRegistry {
	return &DatasetRegistry{
		services:       make(map[string]*service.ViewerService),
		defaultDataset: defaultDataset,
		datasetOrder:   order,
		title:          title,
	}
}

// Register adds a viewer service for a dataset. Datasets missing from the
// configured order are appended to it.
func (r *DatasetRegistry) Register(datasetID string, svc *service.ViewerService) {
	if _, ok := r.services[datasetID]; !ok {
		known := false
		for _, id := range r.datasetOrder {
			known = known || id == datasetID
		}
		if !known {
			r.datasetOrder = append(r.datasetOrder, datasetID)
		}
	}
	r.services[datasetID] = svc
}

// Get returns the viewer service for a dataset, or nil if not found.
func (r *DatasetRegistry) Get(datasetID string) *service.ViewerService {
	return r.services[datasetID]
}

// Default returns the default dataset's viewer service.
func (r *DatasetRegistry) Default() *service.ViewerService {
	return r.services[r.defaultDataset]
}

// DefaultDatasetID returns the default dataset ID.
func (r *DatasetRegistry) DefaultDatasetID() string {
	return r.defaultDataset
}

// DatasetIDs returns all dataset IDs in config order.
func (r *DatasetRegistry) DatasetIDs() []string {
	return r.datasetOrder
}

// Title returns the configured site title.
func (r *DatasetRegistry) Title() string {
	if r.title != "" {
		return r.title
	}
	return "Viv"
}

// Datasets returns dataset info for all registered datasets.
func (r *DatasetRegistry) Datasets() []DatasetInfo {
	infos := make([]DatasetInfo, 0, len(r.datasetOrder))
	for _, id := range r.datasetOrder {
		svc := r.services[id]
		if svc == nil {
			continue
		}
		infos = append(infos, DatasetInfo{
			ID:        id,
			Name:      svc.Title(),
			Type:      svc.Loader().Type(),
			IsPyramid: svc.Loader().IsPyramid(),
		})
	}
	return infos
}

// Stop stops every dataset's sessions.
func (r *DatasetRegistry) Stop() {
	for _, svc := range r.services {
		svc.Stop()
	}
}
