package config

import (
	"bytes"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// SetValue writes one dotted key (e.g. "queue.workers") into the config file.
// Comments and formatting elsewhere in the file are preserved by editing the
// yaml.Node tree. The value is parsed as YAML, so "4", "true", "[75, 76]" and
// "2m" keep their natural types.
func SetValue(configPath, key, value string) error {
	path := strings.Split(key, ".")
	for _, p := range path {
		if p == "" {
			return fmt.Errorf("invalid config key %q", key)
		}
	}

	data, err := os.ReadFile(configPath) //nolint:gosec // G304: user-selected config path
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("reading config: %w", err)
	}

	var doc yaml.Node
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return fmt.Errorf("parsing config: %w", err)
		}
	}
	if doc.Kind == 0 {
		doc = yaml.Node{Kind: yaml.DocumentNode, Content: []*yaml.Node{{Kind: yaml.MappingNode}}}
	}
	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		// A document holding only comments parses as a null scalar.
		root.Kind, root.Tag, root.Value = yaml.MappingNode, "", ""
	}

	var valueNode yaml.Node
	if err := yaml.Unmarshal([]byte(value), &valueNode); err != nil {
		return fmt.Errorf("parsing value for %s: %w", key, err)
	}
	newValue := &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!null", Value: ""}
	if valueNode.Kind == yaml.DocumentNode && len(valueNode.Content) > 0 {
		newValue = valueNode.Content[0]
	}

	setPath(root, path, newValue)

	var buf bytes.Buffer
	encoder := yaml.NewEncoder(&buf)
	encoder.SetIndent(2)
	if err := encoder.Encode(&doc); err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	_ = encoder.Close()

	if err := os.WriteFile(configPath, buf.Bytes(), 0o600); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	return nil
}

// setPath walks mapping nodes along path, creating missing ones, and replaces the leaf.
func setPath(node *yaml.Node, path []string, value *yaml.Node) {
	for i := 0; i < len(node.Content)-1; i += 2 {
		if node.Content[i].Value != path[0] {
			continue
		}
		if len(path) == 1 {
			old := node.Content[i+1]
			value.HeadComment, value.LineComment, value.FootComment = old.HeadComment, old.LineComment, old.FootComment
			node.Content[i+1] = value
			return
		}
		child := node.Content[i+1]
		if child.Kind != yaml.MappingNode {
			child = &yaml.Node{Kind: yaml.MappingNode}
			node.Content[i+1] = child
		}
		setPath(child, path[1:], value)
		return
	}

	keyNode := &yaml.Node{Kind: yaml.ScalarNode, Value: path[0]}
	if len(path) == 1 {
		node.Content = append(node.Content, keyNode, value)
		return
	}
	child := &yaml.Node{Kind: yaml.MappingNode}
	node.Content = append(node.Content, keyNode, child)
	setPath(child, path[1:], value)
}
