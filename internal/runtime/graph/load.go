package graph

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	errspkg "github.com/drblury/rflow/internal/runtime/errors"
)

type rawGraph struct {
	Settings    yaml.Node      `yaml:"settings"`
	Shards      []rawShard     `yaml:"shards"`
	Components  []rawComponent `yaml:"components"`
	Connections []yaml.Node    `yaml:"connections"`
}

type rawShard struct {
	Name       string         `yaml:"name"`
	Kind       string         `yaml:"kind"`
	Count      int            `yaml:"count"`
	Components []rawComponent `yaml:"components"`
}

type rawComponent struct {
	Name          string    `yaml:"name"`
	Specification string    `yaml:"specification"`
	Options       yaml.Node `yaml:"options"`
}

type rawConnection struct {
	Name     string    `yaml:"name"`
	Output   string    `yaml:"output"`
	Input    string    `yaml:"input"`
	Delivery string    `yaml:"delivery"`
	Options  yaml.Node `yaml:"options"`
}

// Load reads a graph from a YAML file.
func Load(path string) (*Graph, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errspkg.NewConfigurationError(path, err)
	}
	return Parse(data, path)
}

// Parse decodes a YAML graph. Settings and options are mappings whose order is
// kept; components listed at the top level join the DEFAULT shard.
func Parse(data []byte, source string) (*Graph, error) {
	var raw rawGraph
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, errspkg.NewConfigurationError(source, err)
	}

	g := &Graph{}
	settings, err := orderedPairs(&raw.Settings)
	if err != nil {
		return nil, errspkg.NewConfigurationError(source+": settings", err)
	}
	for _, kv := range settings {
		g.Settings = append(g.Settings, Setting{Name: kv[0], Value: kv[1]})
	}

	if len(raw.Components) > 0 {
		if err := g.addShard(rawShard{Name: DefaultShardName, Components: raw.Components}, source); err != nil {
			return nil, err
		}
	}
	for _, s := range raw.Shards {
		if err := g.addShard(s, source); err != nil {
			return nil, err
		}
	}

	for i := range raw.Connections {
		node := &raw.Connections[i]
		at := fmt.Sprintf("%s:%d", source, node.Line)
		var rc rawConnection
		if err := node.Decode(&rc); err != nil {
			return nil, errspkg.NewConfigurationError(at, err)
		}
		conn, err := buildConnection(rc, at)
		if err != nil {
			return nil, err
		}
		g.Connections = append(g.Connections, conn)
	}

	if err := g.Validate(); err != nil {
		return nil, err
	}
	return g, nil
}

func (g *Graph) addShard(s rawShard, source string) error {
	if s.Kind == "" {
		s.Kind = string(KindProcess)
	}
	if s.Count == 0 {
		s.Count = 1
	}
	g.Shards = append(g.Shards, Shard{Name: s.Name, Kind: ShardKind(s.Kind), Count: s.Count})
	for _, c := range s.Components {
		options, err := optionMap(&c.Options)
		if err != nil {
			return errspkg.NewConfigurationError(fmt.Sprintf("%s: component %s", source, c.Name), err)
		}
		g.Components = append(g.Components, Component{
			Name:          c.Name,
			Specification: c.Specification,
			Options:       options,
			Shard:         s.Name,
		})
	}
	return nil
}

func buildConnection(rc rawConnection, at string) (Connection, error) {
	out, err := ParseEndpoint(rc.Output)
	if err != nil {
		return Connection{}, errspkg.NewConfigurationError(at, err)
	}
	in, err := ParseEndpoint(rc.Input)
	if err != nil {
		return Connection{}, errspkg.NewConfigurationError(at, err)
	}
	options, err := optionMap(&rc.Options)
	if err != nil {
		return Connection{}, errspkg.NewConfigurationError(at, err)
	}
	name := rc.Name
	if name == "" {
		name = out.String() + " => " + in.String()
	}
	return Connection{
		Name:     name,
		Output:   out,
		Input:    in,
		Delivery: rc.Delivery,
		Options:  options,
		Source:   at,
	}, nil
}

func optionMap(node *yaml.Node) (map[string]string, error) {
	pairs, err := orderedPairs(node)
	if err != nil || pairs == nil {
		return nil, err
	}
	out := make(map[string]string, len(pairs))
	for _, kv := range pairs {
		out[kv[0]] = kv[1]
	}
	return out, nil
}

// orderedPairs reads a mapping of scalars in document order.
func orderedPairs(node *yaml.Node) ([][2]string, error) {
	if node == nil || node.Kind == 0 {
		return nil, nil
	}
	if node.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("line %d: expected a mapping", node.Line)
	}
	out := make([][2]string, 0, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		k, v := node.Content[i], node.Content[i+1]
		if k.Kind != yaml.ScalarNode || v.Kind != yaml.ScalarNode {
			return nil, fmt.Errorf("line %d: %q must map to a scalar", k.Line, k.Value)
		}
		out = append(out, [2]string{k.Value, v.Value})
	}
	return out, nil
}
