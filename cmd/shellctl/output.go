package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// printer writes indented JSON for terminals and one compact JSON value
// per line otherwise.
type printer struct {
	out    io.Writer
	pretty bool
}

func (p *printer) Print(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	return p.write(data)
}

// Snapshot prints one streamed snapshot. Terminals get a header line per
// update; pipes get {"service":..,"data":..} objects.
func (p *printer) Snapshot(service string, data json.RawMessage) error {
	if p.pretty {
		if _, err := fmt.Fprintf(p.out, "== %s\n", service); err != nil {
			return err
		}
		return p.write(data)
	}
	return p.Print(struct {
		Service string          `json:"service"`
		Data    json.RawMessage `json:"data"`
	}{service, data})
}

func (p *printer) write(data []byte) error {
	var buf bytes.Buffer
	if p.pretty {
		if err := json.Indent(&buf, data, "", "  "); err != nil {
			return fmt.Errorf("failed to indent output: %w", err)
		}
	} else if err := json.Compact(&buf, data); err != nil {
		return fmt.Errorf("failed to compact output: %w", err)
	}
	buf.WriteByte('\n')
	_, err := p.out.Write(buf.Bytes())
	return err
}

// parseArgs turns key=value pairs into command arguments. Values that parse
// as JSON keep their JSON type; anything else is a string.
func parseArgs(pairs []string) (map[string]any, error) {
	args := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, raw, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid argument %q, expected key=value", pair)
		}
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			v = raw
		}
		args[key] = v
	}
	return args, nil
}
