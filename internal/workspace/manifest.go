// Package workspace loads the workspace manifest: the external definition of
// workspaces, their containers, and their tracks. The runtime treats these
// records as read-only; editing workspaces is the management plane's job.
package workspace

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Track is one research track within a container. Each track owns a console
// and a chat history.
type Track struct {
	ID   int64  `yaml:"id"`
	Slug string `yaml:"slug"`
	Name string `yaml:"name"`
}

// Container is one Metasploit container record.
type Container struct {
	ID     int64   `yaml:"id"`
	Slug   string  `yaml:"slug"`
	Name   string  `yaml:"name"`
	Image  string  `yaml:"image"`
	Tracks []Track `yaml:"tracks"`
}

// Workspace groups containers under one collaboration scope.
type Workspace struct {
	ID         int64       `yaml:"id"`
	Slug       string      `yaml:"slug"`
	Name       string      `yaml:"name"`
	Containers []Container `yaml:"containers"`
}

// Manifest is the root of the workspace definition file.
type Manifest struct {
	Workspaces []Workspace `yaml:"workspaces"`
}

// DefaultImage is used when a container record does not name one.
const DefaultImage = "metasploitframework/metasploit-framework:latest"

// Load reads and validates a manifest file.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read workspace manifest: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates manifest bytes.
func Parse(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse workspace manifest: %w", err)
	}
	if err := m.validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

func (m *Manifest) validate() error {
	if len(m.Workspaces) == 0 {
		return fmt.Errorf("manifest defines no workspaces")
	}
	workspaceIDs := make(map[int64]bool)
	containerIDs := make(map[int64]bool)
	trackIDs := make(map[int64]bool)

	for wi := range m.Workspaces {
		ws := &m.Workspaces[wi]
		if ws.ID == 0 || ws.Slug == "" {
			return fmt.Errorf("workspace %q needs a non-zero id and a slug", ws.Name)
		}
		if workspaceIDs[ws.ID] {
			return fmt.Errorf("duplicate workspace id %d", ws.ID)
		}
		workspaceIDs[ws.ID] = true

		for ci := range ws.Containers {
			ctr := &ws.Containers[ci]
			if ctr.ID == 0 || ctr.Slug == "" {
				return fmt.Errorf("container %q in workspace %s needs a non-zero id and a slug", ctr.Name, ws.Slug)
			}
			if containerIDs[ctr.ID] {
				return fmt.Errorf("duplicate container id %d", ctr.ID)
			}
			containerIDs[ctr.ID] = true
			if ctr.Image == "" {
				ctr.Image = DefaultImage
			}

			for _, track := range ctr.Tracks {
				if track.ID == 0 || track.Slug == "" {
					return fmt.Errorf("track %q in container %s needs a non-zero id and a slug", track.Name, ctr.Slug)
				}
				if trackIDs[track.ID] {
					return fmt.Errorf("duplicate track id %d", track.ID)
				}
				trackIDs[track.ID] = true
			}
		}
	}
	return nil
}
