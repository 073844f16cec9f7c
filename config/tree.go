package config

import (
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/carelytics/dataservice/types"
)

// Tree is the configuration file as written, before the typed ServiceConfig
// swallows it. It keeps blocks the typed config has no field for, so library
// users can put their own sections in the same file and read them by dot
// path ("reporting.batch_size"). Typed defaults live on GetConfig, not here.
type Tree map[string]interface{}

func newTree(data []byte) (Tree, error) {
	tree := make(Tree)
	if err := yaml.Unmarshal(data, &tree); err != nil {
		return nil, types.WrapError(err, "failed to parse YAML config")
	}
	return tree, nil
}

// Value returns the node at the given dot path, or fallback when the path is
// absent from the file or explicitly null.
func (t Tree) Value(path string, fallback interface{}) interface{} {
	value, found := t.lookup(path)
	if !found || value == nil {
		return fallback
	}
	return value
}

// Scan decodes the node at the given dot path into target, following the
// same yaml tags the backend config structs use.
func (t Tree) Scan(path string, target interface{}) error {
	value, found := t.lookup(path)
	if !found || value == nil {
		return types.Errorf(types.ErrConfigNotFound, "path: %s", path)
	}

	node, err := yaml.Marshal(value)
	if err != nil {
		return types.WrapError(err, "failed to encode config at path: "+path)
	}
	if err := yaml.Unmarshal(node, target); err != nil {
		return types.WrapError(err, "failed to decode config at path: "+path)
	}
	return nil
}

func (t Tree) lookup(path string) (interface{}, bool) {
	if path == "" {
		return map[string]interface{}(t), true
	}

	head, rest, nested := strings.Cut(path, ".")
	value, found := t[head]
	if !found {
		return nil, false
	}
	if !nested {
		return value, true
	}

	child, ok := asTree(value)
	if !ok {
		return nil, false
	}
	return child.lookup(rest)
}

// asTree normalizes the two map shapes yaml.v3 produces for nested blocks.
func asTree(value interface{}) (Tree, bool) {
	switch v := value.(type) {
	case Tree:
		return v, true
	case map[string]interface{}:
		return Tree(v), true
	case map[interface{}]interface{}:
		child := make(Tree, len(v))
		for key, val := range v {
			name, ok := key.(string)
			if !ok {
				return nil, false
			}
			child[name] = val
		}
		return child, true
	}
	return nil, false
}
