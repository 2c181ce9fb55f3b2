package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"gopkg.in/yaml.v3"
)

// SaveFlags updates the flags section in the config file.
// This preserves comments and formatting in other sections by using yaml.Node.
func SaveFlags(configPath string, flags map[string]bool) error {
	return saveSection(configPath, "flags", buildFlagsNode(flags))
}

// SaveTrigger updates the trigger policy in the config file.
// This preserves comments and formatting in other sections by using yaml.Node.
func SaveTrigger(configPath string, trigger TriggerConfig) error {
	return saveSection(configPath, "trigger", buildTriggerNode(trigger))
}

// SetFlag flips a single flag in the config and saves.
// Unknown flags are accepted; the registry warns about them at load time.
func SetFlag(configPath, name string, enabled bool, current map[string]bool) error {
	updated := make(map[string]bool, len(current)+1)
	for k, v := range current {
		updated[k] = v
	}
	updated[name] = enabled
	return SaveFlags(configPath, updated)
}

// saveSection replaces or appends a top-level key in the config document,
// preserving every other node, then writes the file atomically.
func saveSection(configPath, key string, sectionNode *yaml.Node) error {
	// Read existing file content
	data, err := os.ReadFile(configPath)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("reading config: %w", err)
	}

	// Parse into yaml.Node to preserve comments
	var doc yaml.Node
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return fmt.Errorf("parsing config: %w", err)
		}
	}

	// Update or create the section
	if doc.Kind == 0 {
		// Empty or new file - create document structure
		doc = yaml.Node{
			Kind: yaml.DocumentNode,
			Content: []*yaml.Node{
				{
					Kind: yaml.MappingNode,
					Content: []*yaml.Node{
						{Kind: yaml.ScalarNode, Value: key},
						sectionNode,
					},
				},
			},
		}
	} else if doc.Kind == yaml.DocumentNode && len(doc.Content) > 0 {
		root := doc.Content[0]
		if root.Kind == yaml.MappingNode {
			// Find and replace the key, or append it
			found := false
			for i := 0; i < len(root.Content)-1; i += 2 {
				if root.Content[i].Value == key {
					root.Content[i+1] = sectionNode
					found = true
					break
				}
			}
			if !found {
				root.Content = append(root.Content,
					&yaml.Node{Kind: yaml.ScalarNode, Value: key},
					sectionNode,
				)
			}
		}
	}

	// Marshal back to YAML
	var buf bytes.Buffer
	encoder := yaml.NewEncoder(&buf)
	encoder.SetIndent(2)
	if err := encoder.Encode(&doc); err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	_ = encoder.Close()

	// Write atomically (write to temp, then rename)
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	temp, err := os.CreateTemp(dir, ".devbot.yaml.tmp.*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tempPath := temp.Name()

	if _, err := temp.Write(buf.Bytes()); err != nil {
		_ = temp.Close()
		_ = os.Remove(tempPath)
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := temp.Close(); err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("closing temp file: %w", err)
	}

	if err := os.Rename(tempPath, configPath); err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("renaming temp file: %w", err)
	}

	return nil
}

// buildFlagsNode creates a yaml.Node representing the flags map with
// deterministic key order.
func buildFlagsNode(flags map[string]bool) *yaml.Node {
	node := &yaml.Node{
		Kind:    yaml.MappingNode,
		Content: make([]*yaml.Node, 0, len(flags)*2),
	}

	names := make([]string, 0, len(flags))
	for name := range flags {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		node.Content = append(node.Content,
			&yaml.Node{Kind: yaml.ScalarNode, Value: name},
			&yaml.Node{Kind: yaml.ScalarNode, Value: strconv.FormatBool(flags[name]), Tag: "!!bool"},
		)
	}

	return node
}

// buildTriggerNode creates a yaml.Node representing the trigger policy.
func buildTriggerNode(trigger TriggerConfig) *yaml.Node {
	return &yaml.Node{
		Kind: yaml.MappingNode,
		Content: []*yaml.Node{
			{Kind: yaml.ScalarNode, Value: "label"},
			{Kind: yaml.ScalarNode, Value: trigger.Label},
			{Kind: yaml.ScalarNode, Value: "command"},
			{Kind: yaml.ScalarNode, Value: trigger.Command},
		},
	}
}
