// Package config loads the block-structured configuration file
// modeled on ircd-ratbox's ircd.conf: a handful of named blocks
// (serverinfo, connect, listen, operator), each a flat set of
// key = value; assignments, decoded into typed Go structs.
package config

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/mitchellh/mapstructure"
)

// ServerInfo is the serverinfo {} block: the local node's own identity.
type ServerInfo struct {
	Name        string `mapstructure:"name"`
	SID         string `mapstructure:"sid"`
	Description string `mapstructure:"description"`
}

// Connect is one connect {} block: a configured peer this node may
// link to or accept a link from (spec.md §4.4 step 3).
type Connect struct {
	Name          string `mapstructure:"name"`
	Host          string `mapstructure:"host"`
	Password      string `mapstructure:"password"`
	Encrypted     bool   `mapstructure:"encrypted"`
	Port          int    `mapstructure:"port"`
	HubMask       string `mapstructure:"hub_mask"`
	LeafMask      string `mapstructure:"leaf_mask"`
	CompressLevel int    `mapstructure:"compressed"`
}

// Listen is one listen {} block.
type Listen struct {
	Address string `mapstructure:"address"`
	Port    int    `mapstructure:"port"`
	TLS     bool   `mapstructure:"sslflag"`
}

// Operator is one operator {} block: a local privileged-user grant.
type Operator struct {
	Name     string `mapstructure:"name"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
}

// Ban is one ban {} block: a persistent address-mask rejection rule,
// optionally overridden by an exempt mask (spec.md §4.2 step 3).
type Ban struct {
	Mask     string `mapstructure:"mask"`
	Exempt   string `mapstructure:"exempt"`
	Reason   string `mapstructure:"reason"`
}

// Config is the fully decoded configuration file.
type Config struct {
	ServerInfo ServerInfo
	Connect    []Connect
	Listen     []Listen
	Operator   []Operator
	Ban        []Ban
}

// Parse reads a block-structured config file from r and decodes it
// into Config. Unknown blocks and keys are ignored rather than
// rejected, the same permissive stance ircd.conf readers take toward
// forward compatibility.
func Parse(r io.Reader) (*Config, error) {
	blocks, err := parseBlocks(r)
	if err != nil {
		return nil, err
	}
	cfg := &Config{}

	for _, b := range blocks {
		switch b.kind {
		case "serverinfo":
			if err := decode(b.fields, &cfg.ServerInfo); err != nil {
				return nil, fmt.Errorf("config: serverinfo block: %w", err)
			}
		case "connect":
			var c Connect
			if err := decode(b.fields, &c); err != nil {
				return nil, fmt.Errorf("config: connect block %q: %w", b.fields["name"], err)
			}
			cfg.Connect = append(cfg.Connect, c)
		case "listen":
			var l Listen
			if err := decode(b.fields, &l); err != nil {
				return nil, fmt.Errorf("config: listen block: %w", err)
			}
			cfg.Listen = append(cfg.Listen, l)
		case "operator":
			var o Operator
			if err := decode(b.fields, &o); err != nil {
				return nil, fmt.Errorf("config: operator block %q: %w", b.fields["name"], err)
			}
			cfg.Operator = append(cfg.Operator, o)
		case "ban":
			var bn Ban
			if err := decode(b.fields, &bn); err != nil {
				return nil, fmt.Errorf("config: ban block %q: %w", b.fields["mask"], err)
			}
			cfg.Ban = append(cfg.Ban, bn)
		}
	}
	return cfg, nil
}

func decode(fields map[string]interface{}, out interface{}) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           out,
	})
	if err != nil {
		return err
	}
	return dec.Decode(fields)
}

type rawBlock struct {
	kind   string
	fields map[string]interface{}
}

// parseBlocks does the lexical work: "kind { key = value; ... };"
// blocks, '#'-prefixed comments, double-quoted string values. This is
// deliberately small; it is not meant to accept the entire historical
// ircd.conf grammar, only the subset spec.md's ambient config section
// requires.
func parseBlocks(r io.Reader) ([]rawBlock, error) {
	scanner := bufio.NewScanner(r)
	var blocks []rawBlock
	var cur *rawBlock

	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := stripComment(scanner.Text())
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		if cur == nil {
			kind := strings.TrimSpace(strings.TrimSuffix(line, "{"))
			if !strings.HasSuffix(line, "{") {
				return nil, fmt.Errorf("config: line %d: expected block opener, got %q", lineNo, line)
			}
			cur = &rawBlock{kind: strings.ToLower(kind), fields: make(map[string]interface{})}
			continue
		}

		if line == "};" || line == "}" {
			blocks = append(blocks, *cur)
			cur = nil
			continue
		}

		if err := parseAssignment(cur.fields, line, lineNo); err != nil {
			return nil, err
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if cur != nil {
		return nil, fmt.Errorf("config: unterminated block %q", cur.kind)
	}
	return blocks, nil
}

func stripComment(line string) string {
	if i := strings.IndexByte(line, '#'); i >= 0 {
		return line[:i]
	}
	return line
}

func parseAssignment(fields map[string]interface{}, line string, lineNo int) error {
	line = strings.TrimSuffix(strings.TrimSpace(line), ";")
	parts := strings.SplitN(line, "=", 2)
	if len(parts) != 2 {
		return fmt.Errorf("config: line %d: expected key = value, got %q", lineNo, line)
	}
	key := strings.ToLower(strings.TrimSpace(parts[0]))
	val := strings.TrimSpace(parts[1])
	fields[key] = coerce(val)
	return nil
}

func coerce(val string) interface{} {
	if len(val) >= 2 && val[0] == '"' && val[len(val)-1] == '"' {
		return val[1 : len(val)-1]
	}
	if val == "yes" || val == "true" {
		return true
	}
	if val == "no" || val == "false" {
		return false
	}
	if n, err := strconv.Atoi(val); err == nil {
		return n
	}
	return val
}
