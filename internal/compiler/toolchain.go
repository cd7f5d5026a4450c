package compiler

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Output formats a toolchain can produce.
const (
	FormatSolcJSON = "solc-json"
	FormatLines    = "lines"
)

const defaultCompileTimeout = 60 * time.Second

// Toolchain describes how to compile one language.
type Toolchain struct {
	Language string        `yaml:"language"`
	Aliases  []string      `yaml:"aliases"`
	Image    string        `yaml:"image"`
	Command  []string      `yaml:"command"`
	Format   string        `yaml:"format"`
	FileName string        `yaml:"file_name"`
	Timeout  time.Duration `yaml:"timeout"`
}

type toolchainFile struct {
	Toolchains []Toolchain `yaml:"toolchains"`
}

// DefaultToolchains returns the built-in solidity and go toolchains.
func DefaultToolchains() []Toolchain {
	return []Toolchain{
		{
			Language: "solidity",
			Aliases:  []string{"sol"},
			Image:    "ethereum/solc:0.8.28",
			Command:  []string{"solc", "--standard-json"},
			Format:   FormatSolcJSON,
			FileName: "Contract.sol",
			Timeout:  defaultCompileTimeout,
		},
		{
			Language: "go",
			Aliases:  []string{"golang"},
			Image:    "golang:1.24-alpine",
			Command:  []string{"gofmt", "-e"},
			Format:   FormatLines,
			Timeout:  defaultCompileTimeout,
		},
	}
}

// LoadToolchains reads a YAML toolchain file and merges it over the
// defaults. Entries in the file replace defaults with the same language.
// An empty path returns the defaults.
func LoadToolchains(path string) ([]Toolchain, error) {
	defaults := DefaultToolchains()
	if path == "" {
		return defaults, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read toolchains file: %w", err)
	}
	var file toolchainFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse toolchains file %s: %w", path, err)
	}

	byLang := make(map[string]int, len(defaults))
	merged := append([]Toolchain(nil), defaults...)
	for i, tc := range merged {
		byLang[tc.Language] = i
	}
	for _, tc := range file.Toolchains {
		tc.Language = strings.ToLower(strings.TrimSpace(tc.Language))
		if err := tc.validate(); err != nil {
			return nil, fmt.Errorf("toolchain %q: %w", tc.Language, err)
		}
		if tc.Timeout <= 0 {
			tc.Timeout = defaultCompileTimeout
		}
		if i, ok := byLang[tc.Language]; ok {
			merged[i] = tc
			continue
		}
		byLang[tc.Language] = len(merged)
		merged = append(merged, tc)
	}
	return merged, nil
}

func (tc Toolchain) validate() error {
	if tc.Language == "" {
		return errors.New("language is required")
	}
	if len(tc.Command) == 0 {
		return errors.New("command is required")
	}
	switch tc.Format {
	case FormatSolcJSON, FormatLines:
	default:
		return fmt.Errorf("unknown format %q", tc.Format)
	}
	return nil
}
