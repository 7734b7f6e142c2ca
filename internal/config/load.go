package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Load reads the configuration file at path, picking the decoder from the
// file extension. When no work_dir is configured the directory holding the
// file becomes the working root.
func Load(path string) (*Config, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolving config path %s: %w", path, err)
	}
	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	log.WithField("path", absPath).Debug("Reading config")

	cfg, err := Parse(data, filepath.Ext(absPath))
	if err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", absPath, err)
	}
	if cfg.WorkDir == "" {
		cfg.WorkDir = filepath.Dir(absPath)
	}
	return cfg, nil
}

// Parse decodes data according to the file extension ext (".toml", ".yaml",
// ".yml" or ".json"). Unknown fields are rejected.
func Parse(data []byte, ext string) (*Config, error) {
	switch strings.ToLower(ext) {
	case ".toml":
		return parseTOML(data)
	case ".yaml", ".yml":
		return parseYAML(data)
	case ".json":
		return parseJSON(data)
	default:
		return nil, fmt.Errorf("unsupported config format %q, use .toml, .yaml or .json", ext)
	}
}

func parseTOML(data []byte) (*Config, error) {
	var cfg Config
	if err := toml.NewDecoder(bytes.NewReader(data)).DisallowUnknownFields().Decode(&cfg); err != nil {
		var details *toml.DecodeError
		if errors.As(err, &details) {
			return nil, fmt.Errorf("%s: %w", details.String(), err)
		}
		var strictError *toml.StrictMissingError
		if errors.As(err, &strictError) {
			return nil, fmt.Errorf("%s: %w", strictError.String(), err)
		}
		return nil, err
	}
	return &cfg, nil
}

func parseYAML(data []byte) (*Config, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	if len(doc.Content) == 0 {
		return nil, errors.New("empty document")
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if doc.Content[0].Kind == yaml.SequenceNode {
		var groups []BackupGroup
		if err := dec.Decode(&groups); err != nil {
			return nil, err
		}
		return &Config{Backups: groups}, nil
	}
	var cfg Config
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return &cfg, nil
}

func parseJSON(data []byte) (*Config, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, errors.New("empty document")
	}

	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.DisallowUnknownFields()
	if trimmed[0] == '[' {
		var groups []BackupGroup
		if err := dec.Decode(&groups); err != nil {
			return nil, err
		}
		return &Config{Backups: groups}, nil
	}
	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
