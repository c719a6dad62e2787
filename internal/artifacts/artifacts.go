// Package artifacts loads the feature order, encoding tables and model
// ensemble a scoring engine runs against.
package artifacts

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/mbd888/entropy/internal/features"
	"github.com/mbd888/entropy/internal/model"
	"github.com/mbd888/entropy/internal/scoring"
)

// ErrNoModels is returned when the models directory holds no model files.
var ErrNoModels = errors.New("artifacts: no models found")

// Paths locates the artifact files on disk. GroupKeys and Categories are
// optional; a missing file is treated as empty.
type Paths struct {
	FeatureOrder string
	EncodingMaps string
	GroupKeys    string
	Categories   string
	ModelsDir    string
}

// Dir returns the conventional layout under root.
func Dir(root string) Paths {
	return Paths{
		FeatureOrder: filepath.Join(root, "feature_order.json"),
		EncodingMaps: filepath.Join(root, "encoding_maps.json"),
		GroupKeys:    filepath.Join(root, "group_keys.json"),
		Categories:   filepath.Join(root, "categories.json"),
		ModelsDir:    filepath.Join(root, "models"),
	}
}

// Loader reads artifacts from disk.
type Loader struct {
	paths     Paths
	collision features.CollisionPolicy
	logger    *slog.Logger
	now       func() time.Time
}

// NewLoader creates a loader for the given paths.
func NewLoader(paths Paths, collision features.CollisionPolicy, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{paths: paths, collision: collision, logger: logger, now: time.Now}
}

// Load reads every artifact and assembles them. Errors name the offending file.
func (l *Loader) Load() (*scoring.Artifacts, error) {
	var names []string
	if err := readJSON(l.paths.FeatureOrder, &names, false); err != nil {
		return nil, err
	}
	order, err := features.NewFeatureOrder(names)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", l.paths.FeatureOrder, err)
	}

	var stats map[string]map[string]float64
	if err := readJSON(l.paths.EncodingMaps, &stats, false); err != nil {
		return nil, err
	}
	var groupKeys map[string]string
	if err := readJSON(l.paths.GroupKeys, &groupKeys, true); err != nil {
		return nil, err
	}
	enc, err := features.NewEncodingTable(stats, groupKeys)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", l.paths.EncodingMaps, err)
	}

	var categories map[string][]string
	if err := readJSON(l.paths.Categories, &categories, true); err != nil {
		return nil, err
	}

	models, err := l.loadModels(order)
	if err != nil {
		return nil, err
	}

	l.logger.Info("artifacts loaded",
		"features", order.Len(),
		"encoded_features", enc.Len(),
		"categorical_columns", len(categories),
		"models", len(models),
		"source", l.paths.ModelsDir,
	)

	return &scoring.Artifacts{
		Order: order,
		Engineer: features.NewEngineer(enc,
			features.WithCategories(categories),
			features.WithCollisionPolicy(l.collision),
		),
		Ensemble: model.NewEnsemble(models...),
		Source:   l.paths.ModelsDir,
		LoadedAt: l.now(),
	}, nil
}

// loadModels reads *.json boosters in filename order; the first becomes the
// explainer's reference model.
func (l *Loader) loadModels(order *features.FeatureOrder) ([]model.Model, error) {
	entries, err := os.ReadDir(l.paths.ModelsDir)
	if err != nil {
		return nil, fmt.Errorf("read models dir %s: %w", l.paths.ModelsDir, err)
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() || !strings.EqualFold(filepath.Ext(e.Name()), ".json") {
			continue
		}
		files = append(files, e.Name())
	}
	sort.Strings(files)
	if len(files) == 0 {
		return nil, fmt.Errorf("%s: %w", l.paths.ModelsDir, ErrNoModels)
	}

	models := make([]model.Model, 0, len(files))
	for _, name := range files {
		path := filepath.Join(l.paths.ModelsDir, name)
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open model %s: %w", path, err)
		}
		b, err := model.LoadBooster(strings.TrimSuffix(name, filepath.Ext(name)), f, order)
		_ = f.Close()
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		l.logger.Debug("model loaded", "model", b.Name(), "objective", b.Objective(), "trees", b.NumTrees())
		models = append(models, b)
	}
	return models, nil
}

func readJSON(path string, v any, optional bool) error {
	if path == "" {
		if optional {
			return nil
		}
		return errors.New("artifacts: required path not configured")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if optional && errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}
