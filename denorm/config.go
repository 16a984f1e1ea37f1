// Package denorm maintains denormalized projections of change streams: a
// directed acyclic graph of sink tables connected by lookup edges, with
// per-transaction versioned batches that are joined and written to the
// remote store on demand.
package denorm

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/streamweld/streamweld/types"
)

// SetRef names a remote destination set together with the bin names that
// form its primary key.
type SetRef struct {
	Namespace  string   `yaml:"namespace"`
	Set        string   `yaml:"set"`
	PrimaryKey []string `yaml:"primary_key"`
}

// DenormKey is the lookup key of a denormalization rule: a single field
// name or a composite of several. In YAML it is either a scalar or a
// sequence.
type DenormKey struct {
	Fields []string
}

func (k *DenormKey) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		var name string
		if err := value.Decode(&name); err != nil {
			return err
		}
		k.Fields = []string{name}
		return nil
	case yaml.SequenceNode:
		return value.Decode(&k.Fields)
	default:
		return fmt.Errorf("denormalization key must be a field name or a list of field names")
	}
}

// DenormColumn is one looked-up column, optionally renamed on the way in.
// In YAML a scalar keeps the source name; a mapping renames it.
type DenormColumn struct {
	Source string `yaml:"source"`
	Target string `yaml:"target"`
}

func (c *DenormColumn) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		var name string
		if err := value.Decode(&name); err != nil {
			return err
		}
		c.Source = name
		c.Target = name
		return nil
	}
	type plain DenormColumn
	var p plain
	if err := value.Decode(&p); err != nil {
		return err
	}
	if p.Target == "" {
		p.Target = p.Source
	}
	*c = DenormColumn(p)
	return nil
}

// DenormRule declares one lookup edge: which set to look up, by which key
// fields of the declaring table, and which columns to pull in.
type DenormRule struct {
	FromNamespace string         `yaml:"from_namespace"`
	FromSet       string         `yaml:"from_set"`
	Key           DenormKey      `yaml:"key"`
	Columns       []DenormColumn `yaml:"columns"`
}

// SinkTableConfig declares one sink table of the denormalization graph.
type SinkTableConfig struct {
	SourceTableName     string       `yaml:"source_table_name"`
	Namespace           string       `yaml:"namespace"`
	SetName             string       `yaml:"set_name"`
	PrimaryKey          []string     `yaml:"primary_key"`
	AggregateByPK       bool         `yaml:"aggregate_by_pk"`
	Denormalize         []DenormRule `yaml:"denormalize"`
	WriteDenormalizedTo *SetRef      `yaml:"write_denormalized_to"`
}

// TableWithSchema pairs a sink table declaration with the schema of the
// records that will flow into it.
type TableWithSchema struct {
	Config SinkTableConfig
	Schema types.Schema
}

// ParseSinkTableConfig decodes a single sink table declaration, rejecting
// unknown fields.
func ParseSinkTableConfig(buf []byte) (SinkTableConfig, error) {
	var config SinkTableConfig
	dec := yaml.NewDecoder(bytes.NewReader(buf))
	dec.KnownFields(true)
	if err := dec.Decode(&config); err != nil {
		return SinkTableConfig{}, err
	}
	return config, nil
}

// LoadSinkTableConfigs reads a YAML file holding a list of sink table
// declarations.
func LoadSinkTableConfigs(path string) ([]SinkTableConfig, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var configs []SinkTableConfig
	dec := yaml.NewDecoder(bytes.NewReader(buf))
	dec.KnownFields(true)
	if err := dec.Decode(&configs); err != nil {
		return nil, err
	}
	return configs, nil
}
