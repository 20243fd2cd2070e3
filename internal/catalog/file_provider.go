package catalog

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/bricktally/bricktally-backend/internal/pkg/logger"
)

// FileProvider reads set inventories from YAML files on disk, one file per
// set (<dir>/<setNum>.yaml). Used by the developer tooling and by tests; a
// production client would plug in an API-backed Provider instead.
type FileProvider struct {
	dir string
	log *logger.Logger
}

func NewFileProvider(dir string, baseLog *logger.Logger) *FileProvider {
	return &FileProvider{dir: dir, log: baseLog.With("component", "CatalogFileProvider")}
}

func (fp *FileProvider) SetInventory(ctx context.Context, setNum string) ([]Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if strings.ContainsAny(setNum, "/\\") {
		return nil, fmt.Errorf("invalid set number %q", setNum)
	}
	path := filepath.Join(fp.dir, setNum+".yaml")
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read set inventory %s: %w", setNum, err)
	}

	var doc struct {
		SetNum string `yaml:"set_num"`
		Rows   []Row  `yaml:"rows"`
	}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse set inventory %s: %w", setNum, err)
	}
	if doc.SetNum != "" && doc.SetNum != setNum {
		fp.log.Warn("Set inventory file declares a different set number", "file", path, "declared", doc.SetNum)
	}
	return doc.Rows, nil
}
