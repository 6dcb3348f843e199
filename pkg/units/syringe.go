package units

import (
	_ "embed"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed syringes.yaml
var builtinCatalog []byte

// DefaultSyringe is the label fitted to every channel out of the box.
const DefaultSyringe = "500 mL"

// Syringe is one catalog entry.
type Syringe struct {
	Label    string  `yaml:"label" json:"label"`
	VolumeML float64 `yaml:"volume_ml" json:"volume_ml"`
	AreaMM2  float64 `yaml:"area_mm2" json:"area_mm2"`
}

// Catalog maps syringe labels to their dimensions.
type Catalog struct {
	byLabel map[string]Syringe
}

type catalogFile struct {
	Syringes []Syringe `yaml:"syringes"`
}

// DefaultCatalog returns the built-in syringe table.
func DefaultCatalog() *Catalog {
	c, err := ParseCatalog(strings.NewReader(string(builtinCatalog)))
	if err != nil {
		panic(fmt.Sprintf("units: built-in catalog: %v", err))
	}
	return c
}

// ParseCatalog reads a YAML catalog. Every entry needs a label and
// positive dimensions.
func ParseCatalog(r io.Reader) (*Catalog, error) {
	var f catalogFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("units: parse catalog: %w", err)
	}
	c := &Catalog{byLabel: make(map[string]Syringe, len(f.Syringes))}
	for i, s := range f.Syringes {
		if s.Label == "" {
			return nil, fmt.Errorf("units: catalog entry %d has no label", i+1)
		}
		if err := ValidateArea(s.Label+" area_mm2", s.AreaMM2); err != nil {
			return nil, err
		}
		if !(s.VolumeML > 0) {
			return nil, fmt.Errorf("units: syringe %q volume must be above 0", s.Label)
		}
		if _, dup := c.byLabel[s.Label]; dup {
			return nil, fmt.Errorf("units: duplicate syringe %q", s.Label)
		}
		c.byLabel[s.Label] = s
	}
	return c, nil
}

// LoadCatalog reads a catalog file and merges it over the built-in
// table; entries with the same label replace the built-in ones.
func LoadCatalog(path string) (*Catalog, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("units: open catalog: %w", err)
	}
	defer f.Close()

	extra, err := ParseCatalog(f)
	if err != nil {
		return nil, err
	}
	c := DefaultCatalog()
	for label, s := range extra.byLabel {
		c.byLabel[label] = s
	}
	return c, nil
}

// Lookup returns the syringe with the given label.
func (c *Catalog) Lookup(label string) (Syringe, bool) {
	s, ok := c.byLabel[label]
	return s, ok
}

// Syringes returns all entries ordered by volume, then label.
func (c *Catalog) Syringes() []Syringe {
	out := make([]Syringe, 0, len(c.byLabel))
	for _, s := range c.byLabel {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].VolumeML != out[j].VolumeML {
			return out[i].VolumeML < out[j].VolumeML
		}
		return out[i].Label < out[j].Label
	})
	return out
}
