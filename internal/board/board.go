// Package board reads board description files that sit next to a board's
// devicetree source.
package board

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Info describes a board. Sizes are in KiB.
type Info struct {
	Identifier string   `yaml:"identifier"`
	Name       string   `yaml:"name"`
	Type       string   `yaml:"type"`
	Arch       string   `yaml:"arch"`
	Toolchain  []string `yaml:"toolchain"`
	RAM        int      `yaml:"ram"`
	Flash      int      `yaml:"flash"`
	Supported  []string `yaml:"supported"`
}

// Load reads the board file at path.
func Load(path string) (*Info, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading board file: %w", err)
	}
	info, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return info, nil
}

// Parse decodes a board document. Unknown keys are rejected and identifier
// is required.
func Parse(data []byte) (*Info, error) {
	var info Info
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&info); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("empty board file")
		}
		return nil, err
	}
	if strings.TrimSpace(info.Identifier) == "" {
		return nil, errors.New("board file has no identifier")
	}
	return &info, nil
}

// Supports reports whether the board lists feature as supported.
func (i *Info) Supports(feature string) bool {
	if i == nil {
		return false
	}
	for _, s := range i.Supported {
		if s == feature {
			return true
		}
	}
	return false
}

// String is the one-line summary printed by the query command.
func (i *Info) String() string {
	if i == nil {
		return ""
	}
	var sb strings.Builder
	sb.WriteString(i.Identifier)
	if i.Name != "" {
		fmt.Fprintf(&sb, " (%s)", i.Name)
	}
	if i.Arch != "" {
		fmt.Fprintf(&sb, " arch=%s", i.Arch)
	}
	if i.RAM > 0 {
		fmt.Fprintf(&sb, " ram=%dK", i.RAM)
	}
	if i.Flash > 0 {
		fmt.Fprintf(&sb, " flash=%dK", i.Flash)
	}
	return sb.String()
}
