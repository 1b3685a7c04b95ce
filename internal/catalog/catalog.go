// Package catalog is a read-only media library loaded from YAML.
package catalog

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"streamly/internal/protocol"
)

type Item struct {
	ID         string `yaml:"id"`
	Title      string `yaml:"title"`
	Kind       string `yaml:"kind"`
	VideoURL   string `yaml:"videoUrl"`
	TrailerURL string `yaml:"trailerUrl"`
	PosterURL  string `yaml:"posterUrl"`
}

type file struct {
	Items []Item `yaml:"items"`
}

// Static serves a fixed set of items. The zero value is an empty catalog.
type Static struct {
	items map[string]Item
	order []string
}

func New(items ...Item) (*Static, error) {
	s := &Static{items: make(map[string]Item, len(items))}
	for _, item := range items {
		item.ID = strings.TrimSpace(item.ID)
		if item.ID == "" {
			return nil, fmt.Errorf("catalog item %q has no id", item.Title)
		}
		if _, dup := s.items[item.ID]; dup {
			return nil, fmt.Errorf("duplicate catalog id %q", item.ID)
		}
		s.items[item.ID] = item
		s.order = append(s.order, item.ID)
	}
	return s, nil
}

func Parse(data []byte) (*Static, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	return New(f.Items...)
}

func Load(path string) (*Static, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog %s: %w", path, err)
	}
	return Parse(data)
}

// GetByID returns the item as a main-source media reference.
func (s *Static) GetByID(id string) (protocol.MediaRef, bool) {
	if s == nil {
		return protocol.MediaRef{}, false
	}
	item, ok := s.items[id]
	if !ok {
		return protocol.MediaRef{}, false
	}
	return protocol.MediaRef{
		ItemID:     item.ID,
		Title:      item.Title,
		Kind:       item.Kind,
		VideoURL:   item.VideoURL,
		TrailerURL: item.TrailerURL,
		PosterURL:  item.PosterURL,
		Source:     protocol.SourceMain,
	}, true
}

// IDs lists item ids in file order.
func (s *Static) IDs() []string {
	if s == nil {
		return nil
	}
	return append([]string(nil), s.order...)
}
