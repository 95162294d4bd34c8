// Package manifest reads the optional fleet manifest: a YAML file that seeds
// known repos, machines and webhooks when the hub starts.
package manifest

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"go.yaml.in/yaml/v3"

	"github.com/CosmoTheDev/fleethub/internal/router"
)

// Machine is a statically known fleet member reachable over HTTP.
type Machine struct {
	ID        string   `yaml:"id"`
	Name      string   `yaml:"name"`
	Hostname  string   `yaml:"hostname"`
	Project   string   `yaml:"project"`
	Address   string   `yaml:"address"`
	TunnelURL string   `yaml:"tunnel_url"`
	Channels  []string `yaml:"channels"`
}

// Webhook is a registration to create at startup.
type Webhook struct {
	Name     string   `yaml:"name"`
	URL      string   `yaml:"url"`
	Events   []string `yaml:"events"`
	Secret   string   `yaml:"secret"`
	RepoName string   `yaml:"repo_name"`
}

type Manifest struct {
	Machines []Machine         `yaml:"machines"`
	Repos    []router.Identity `yaml:"repos"`
	Webhooks []Webhook         `yaml:"webhooks"`
}

// Load reads and validates the manifest at path.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("manifest: reading %q: %w", path, err)
	}
	m, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("manifest: %q: %w", path, err)
	}
	return m, nil
}

// Parse decodes a manifest document. Unknown keys are rejected so typos
// surface at startup.
func Parse(data []byte) (*Manifest, error) {
	var m Manifest
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&m); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decoding: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate checks required fields and duplicate names.
func (m *Manifest) Validate() error {
	var errs []error

	machines := map[string]bool{}
	for i, mc := range m.Machines {
		id := strings.TrimSpace(mc.ID)
		switch {
		case id == "":
			errs = append(errs, fmt.Errorf("machines[%d]: id is required", i))
		case machines[id]:
			errs = append(errs, fmt.Errorf("machines[%d]: duplicate id %q", i, id))
		}
		machines[id] = true
	}

	repos := map[string]bool{}
	for i, r := range m.Repos {
		name := strings.TrimSpace(r.Name)
		switch {
		case name == "":
			errs = append(errs, fmt.Errorf("repos[%d]: name is required", i))
		case repos[name]:
			errs = append(errs, fmt.Errorf("repos[%d]: duplicate name %q", i, name))
		}
		repos[name] = true
	}

	for i, w := range m.Webhooks {
		if strings.TrimSpace(w.Name) == "" || strings.TrimSpace(w.URL) == "" {
			errs = append(errs, fmt.Errorf("webhooks[%d]: name and url are required", i))
		}
		if len(w.Events) == 0 {
			errs = append(errs, fmt.Errorf("webhooks[%d]: at least one event is required", i))
		}
	}
	return errors.Join(errs...)
}
