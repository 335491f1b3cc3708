package scene

import "path/filepath"

// Datasets names the two dataset directories of one run under a shared root.
type Datasets struct {
	Root   string `json:"root"`
	Before string `json:"before"`
	After  string `json:"after"`
}

// BeforePath returns the directory of the "before" visit.
func (d Datasets) BeforePath() string { return filepath.Join(d.Root, d.Before) }

// AfterPath returns the directory of the "after" visit.
func (d Datasets) AfterPath() string { return filepath.Join(d.Root, d.After) }
