package submission

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Keys recognised inside a descriptor block.
const (
	KeyID            = "id"
	KeyRepositoryURL = "repository_url"
	KeyRepoURL       = "repo_url" // older submissions used this spelling
	KeyCommit        = "commit"
)

// Extract locates the first ```yaml block in body and decodes it into a
// Descriptor. When the body has no yaml block, a ```toml block is accepted
// instead. The returned error, if any, is always an *ExtractionError.
func Extract(body string) (Descriptor, error) {
	fields, err := parseBlock(body)
	if err != nil {
		return Descriptor{}, err
	}
	return fromFields(fields)
}

func parseBlock(body string) (map[string]interface{}, error) {
	if block, ok := findBlock(body, yamlFence); ok {
		var nodes map[string]yaml.Node
		if err := yaml.Unmarshal([]byte(block), &nodes); err != nil {
			return nil, malformed("yaml block does not parse", err)
		}
		if nodes == nil {
			return nil, malformed("yaml block is empty", nil)
		}
		return yamlFields(nodes), nil
	}

	if block, ok := findBlock(body, tomlFence); ok {
		var fields map[string]interface{}
		if _, err := toml.Decode(block, &fields); err != nil {
			return nil, malformed("toml block does not parse", err)
		}
		return fields, nil
	}

	return nil, &ExtractionError{Kind: NoDescriptorBlock, Reason: "no ```yaml block found in ticket body"}
}

// yamlFields keeps every scalar as the text the submitter wrote. Resolving
// plain scalars would turn hex commit hashes like 1234e56 or 0755123 into
// numbers and lose the original spelling.
func yamlFields(nodes map[string]yaml.Node) map[string]interface{} {
	fields := make(map[string]interface{}, len(nodes))
	for key, node := range nodes {
		n := &node
		if n.Kind == yaml.AliasNode && n.Alias != nil {
			n = n.Alias
		}
		switch {
		case n.Kind == yaml.ScalarNode && n.Tag == "!!null":
			fields[key] = nil
		case n.Kind == yaml.ScalarNode:
			fields[key] = n.Value
		case n.Kind == yaml.MappingNode:
			fields[key] = map[string]interface{}{}
		default:
			fields[key] = []interface{}{}
		}
	}
	return fields
}

func fromFields(fields map[string]interface{}) (Descriptor, error) {
	var d Descriptor
	var err error

	if d.RepositoryURL, err = stringField(fields, KeyRepositoryURL); err != nil {
		return Descriptor{}, err
	}
	if d.RepositoryURL == "" {
		if d.RepositoryURL, err = stringField(fields, KeyRepoURL); err != nil {
			return Descriptor{}, err
		}
	}
	if d.RepositoryURL == "" {
		return Descriptor{}, malformed("missing required key "+KeyRepositoryURL, nil)
	}
	if strings.HasPrefix(d.RepositoryURL, "-") {
		return Descriptor{}, malformed(fmt.Sprintf("%s %q must not start with '-'", KeyRepositoryURL, d.RepositoryURL), nil)
	}

	if d.Commit, err = stringField(fields, KeyCommit); err != nil {
		return Descriptor{}, err
	}
	if strings.HasPrefix(d.Commit, "-") {
		return Descriptor{}, malformed(fmt.Sprintf("%s %q must not start with '-'", KeyCommit, d.Commit), nil)
	}

	if d.ID, err = stringField(fields, KeyID); err != nil {
		return Descriptor{}, err
	}
	if d.ID != "" {
		if err := ValidateID(d.ID); err != nil {
			return Descriptor{}, malformed("bad "+KeyID, err)
		}
	}

	return d, nil
}

// stringField reads an optional scalar. TOML integers are accepted because
// they print back exactly; TOML floats are not.
func stringField(fields map[string]interface{}, key string) (string, error) {
	raw, ok := fields[key]
	if !ok || raw == nil {
		return "", nil
	}
	switch v := raw.(type) {
	case string:
		return strings.TrimSpace(v), nil
	case int64:
		return strconv.FormatInt(v, 10), nil
	default:
		return "", malformed(fmt.Sprintf("%s must be a string, got %s", key, describe(raw)), nil)
	}
}

func describe(v interface{}) string {
	switch v.(type) {
	case map[string]interface{}:
		return "a mapping"
	case []interface{}:
		return "a list"
	case float64:
		return "a number (quote it)"
	default:
		return fmt.Sprintf("%T", v)
	}
}
