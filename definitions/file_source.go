package definitions

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/xeipuuv/gojsonschema"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

//go:embed schemas/*.json
var embeddedSchemas embed.FS

// DebtModelFile is the base name of the debt model document in a definitions directory
const DebtModelFile = "debt_model"

// FileSource reads rule repositories from a directory of YAML or JSON
// documents, one repository per document, in file name order. A document
// named debt_model.{yaml,yml,json} declares the debt characteristics.
type FileSource struct {
	dir              string
	logger           *zap.SugaredLogger
	repositorySchema gojsonschema.JSONLoader
	debtModelSchema  gojsonschema.JSONLoader
}

// NewFileSource creates a source reading dir
func NewFileSource(dir string, logger *zap.SugaredLogger) (*FileSource, error) {
	repoSchema, err := embeddedSchemas.ReadFile("schemas/repository.schema.json")
	if err != nil {
		return nil, fmt.Errorf("failed to read embedded repository schema: %w", err)
	}
	debtSchema, err := embeddedSchemas.ReadFile("schemas/debt_model.schema.json")
	if err != nil {
		return nil, fmt.Errorf("failed to read embedded debt model schema: %w", err)
	}
	return &FileSource{
		dir:              dir,
		logger:           logger,
		repositorySchema: gojsonschema.NewBytesLoader(repoSchema),
		debtModelSchema:  gojsonschema.NewBytesLoader(debtSchema),
	}, nil
}

// Load reads every repository document of the directory
func (s *FileSource) Load(ctx context.Context) ([]Repository, error) {
	files, err := s.documents()
	if err != nil {
		return nil, err
	}

	var repos []Repository
	for _, path := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if isDebtModel(path) {
			continue
		}
		var repo Repository
		if err := s.decode(path, s.repositorySchema, &repo); err != nil {
			return nil, err
		}
		if err := repo.Validate(); err != nil {
			return nil, fmt.Errorf("invalid rule repository %s: %w", filepath.Base(path), err)
		}
		s.logger.Debugf("Loaded %d rules of repository %s from %s", len(repo.Rules), repo.RepositoryKey(), filepath.Base(path))
		repos = append(repos, repo)
	}

	s.logger.Infof("Loaded %d rule repositories from %s", len(repos), s.dir)
	return repos, nil
}

// LoadDebtModel reads the debt model document. A directory without one
// declares no characteristics.
func (s *FileSource) LoadDebtModel(ctx context.Context) ([]Characteristic, error) {
	files, err := s.documents()
	if err != nil {
		return nil, err
	}
	for _, path := range files {
		if !isDebtModel(path) {
			continue
		}
		var doc struct {
			Characteristics []Characteristic `json:"characteristics" yaml:"characteristics"`
		}
		if err := s.decode(path, s.debtModelSchema, &doc); err != nil {
			return nil, err
		}
		if err := ValidateDebtModel(doc.Characteristics); err != nil {
			return nil, fmt.Errorf("invalid debt model %s: %w", filepath.Base(path), err)
		}
		return doc.Characteristics, nil
	}
	return nil, nil
}

// documents lists the YAML and JSON files of the directory, sorted by name
func (s *FileSource) documents() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read definitions directory: %w", err)
	}
	var files []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(entry.Name())) {
		case ".yaml", ".yml", ".json":
			files = append(files, filepath.Join(s.dir, entry.Name()))
		}
	}
	return files, nil
}

// decode validates the document against schema and unmarshals it into out
func (s *FileSource) decode(path string, schema gojsonschema.JSONLoader, out interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}

	yamlDoc := isYAML(path)
	var generic interface{}
	if yamlDoc {
		err = yaml.Unmarshal(data, &generic)
	} else {
		err = json.Unmarshal(data, &generic)
	}
	if err != nil {
		return fmt.Errorf("failed to parse %s: %w", filepath.Base(path), err)
	}

	result, err := gojsonschema.Validate(schema, gojsonschema.NewGoLoader(generic))
	if err != nil {
		return fmt.Errorf("failed to validate %s against schema: %w", filepath.Base(path), err)
	}
	if !result.Valid() {
		var errs []string
		for _, desc := range result.Errors() {
			errs = append(errs, desc.String())
		}
		return fmt.Errorf("%s validation failed: %s", filepath.Base(path), strings.Join(errs, "; "))
	}

	if yamlDoc {
		err = yaml.Unmarshal(data, out)
	} else {
		err = json.Unmarshal(data, out)
	}
	if err != nil {
		return fmt.Errorf("failed to unmarshal %s: %w", filepath.Base(path), err)
	}
	return nil
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

func isDebtModel(path string) bool {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base)) == DebtModelFile
}
