package flow

import (
	"fmt"
	"os"
	"strings"

	"github.com/goccy/go-yaml"
	"github.com/levenlabs/go-lflag"
	"github.com/raterudder/solaredge/pkg/types"
)

// FileConfig is the optional YAML file that overrides the flag conventions
// and extends the label alias table.
//
//	load: node
//	chargeFrom: [pv]
//	aliases:
//	  storage: [akku]
type FileConfig struct {
	Load       string              `yaml:"load"`
	ChargeFrom []string            `yaml:"chargeFrom"`
	Aliases    map[string][]string `yaml:"aliases"`
}

// Config holds the flag values that build an Interpreter.
type Config struct {
	Load       string
	ChargeFrom string
	File       string
}

// Configured registers the interpretation flags.
func Configured() *Config {
	load := lflag.String("flow-load", "edges", "Where the load metric comes from: edges (sum of nodes flowing into Load) or node (Load's own power)")
	chargeFrom := lflag.String("flow-charge-from", "pv,load", "Comma-delimited node kinds whose edge into Storage means the battery is charging")
	file := lflag.String("flow-conventions", "", "Optional YAML file with load, chargeFrom and aliases overrides")

	c := &Config{}
	lflag.Do(func() {
		c.Load = *load
		c.ChargeFrom = *chargeFrom
		c.File = *file
	})
	return c
}

// Interpreter builds the Interpreter described by c.
func (c *Config) Interpreter() (*Interpreter, error) {
	fc := FileConfig{
		Load:       c.Load,
		ChargeFrom: splitList(c.ChargeFrom),
	}
	if c.File != "" {
		b, err := os.ReadFile(c.File)
		if err != nil {
			return nil, fmt.Errorf("failed to read flow conventions: %w", err)
		}
		var file FileConfig
		if err := yaml.Unmarshal(b, &file); err != nil {
			return nil, fmt.Errorf("failed to parse flow conventions %s: %w", c.File, err)
		}
		if file.Load != "" {
			fc.Load = file.Load
		}
		if file.ChargeFrom != nil {
			fc.ChargeFrom = file.ChargeFrom
		}
		fc.Aliases = file.Aliases
	}
	return fc.Interpreter()
}

// Interpreter validates fc and builds an Interpreter from it.
func (fc FileConfig) Interpreter() (*Interpreter, error) {
	load, err := ParseLoadSource(fc.Load)
	if err != nil {
		return nil, err
	}

	conv := Conventions{Load: load}
	for _, name := range fc.ChargeFrom {
		kind, err := ParseNodeKind(name)
		if err != nil {
			return nil, fmt.Errorf("invalid charge source: %w", err)
		}
		if kind == types.NodeStorage {
			return nil, fmt.Errorf("storage cannot charge itself")
		}
		conv.ChargeFrom = append(conv.ChargeFrom, kind)
	}

	extra := make(map[types.NodeKind][]string, len(fc.Aliases))
	for name, aliases := range fc.Aliases {
		kind, err := ParseNodeKind(name)
		if err != nil {
			return nil, fmt.Errorf("invalid alias group: %w", err)
		}
		extra[kind] = append(extra[kind], aliases...)
	}
	labels, err := NewLabels(extra)
	if err != nil {
		return nil, err
	}

	return NewInterpreter(conv, labels), nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
