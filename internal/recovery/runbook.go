package recovery

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/goccy/go-yaml"
	log "github.com/sirupsen/logrus"
)

// ParseRunbook decodes a YAML archetype.
func ParseRunbook(data []byte) (Archetype, error) {
	var a Archetype
	if err := yaml.Unmarshal(data, &a); err != nil {
		return Archetype{}, err
	}
	if a.ServiceType == "" {
		return Archetype{}, fmt.Errorf("runbook %q: service-type is required", a.Name)
	}
	if len(a.Steps) == 0 {
		return Archetype{}, fmt.Errorf("runbook %q: no steps", a.Name)
	}
	if len(a.Kinds) == 0 && len(a.Keywords) == 0 {
		return Archetype{}, fmt.Errorf("runbook %q: needs kinds or keywords", a.Name)
	}
	for i, st := range a.Steps {
		if (st.Command == "") == (st.Tool == "") {
			return Archetype{}, fmt.Errorf("runbook %q: step %d must set exactly one of cmd or tool", a.Name, i)
		}
	}
	return a, nil
}

// LoadRunbooks registers every *.yaml / *.yml file under dir. Broken files
// are skipped with a warning. It returns the number of runbooks loaded.
func (p *Planner) LoadRunbooks(dir string) (int, error) {
	if dir == "" {
		return 0, fmt.Errorf("runbook directory not specified")
	}
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return 0, fmt.Errorf("runbook directory does not exist: %s", dir)
	}

	var loaded []Archetype
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		ext := strings.ToLower(filepath.Ext(d.Name()))
		if d.IsDir() || (ext != ".yaml" && ext != ".yml") {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			log.Warnf("failed to read runbook %s: %v", path, err)
			return nil
		}
		a, err := ParseRunbook(data)
		if err != nil {
			log.Warnf("skipping runbook %s: %v", path, err)
			return nil
		}
		if a.Name == "" {
			a.Name = strings.TrimSuffix(d.Name(), filepath.Ext(d.Name()))
		}
		loaded = append(loaded, a)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to walk runbook directory: %w", err)
	}

	// Later files end up in front; walk order is lexical.
	for _, a := range loaded {
		p.Register(a)
	}
	log.Infof("loaded %d runbooks from %s", len(loaded), dir)
	return len(loaded), nil
}
