// Package images maps image-asset keys used by screens to platform photo references
// (a file_id previously uploaded to the platform, or an HTTPS URL).
package images

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

var ErrUnknownImage = errors.New("images: unknown image key")

type file struct {
	Images map[string]string `yaml:"images"`
}

type Catalog struct {
	refs map[string]string
}

// Load reads a catalog file of the form:
//
//	images:
//	  castle: AgACAgIAAxkBAAIB...
//	  shop: https://cdn.example.com/shop.png
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("images: read catalog: %w", err)
	}
	return Parse(data)
}

func Parse(data []byte) (*Catalog, error) {
	var f file
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&f); err != nil {
		return nil, fmt.Errorf("images: parse catalog: %w", err)
	}
	refs := make(map[string]string, len(f.Images))
	for key, ref := range f.Images {
		ref = strings.TrimSpace(ref)
		if ref == "" {
			return nil, fmt.Errorf("images: key %q has an empty reference", key)
		}
		refs[key] = ref
	}
	return &Catalog{refs: refs}, nil
}

// Empty is a catalog with no images; every lookup fails.
func Empty() *Catalog {
	return &Catalog{refs: map[string]string{}}
}

func (c *Catalog) Resolve(key string) (string, error) {
	ref, ok := c.refs[key]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownImage, key)
	}
	return ref, nil
}

func (c *Catalog) Len() int {
	return len(c.refs)
}
