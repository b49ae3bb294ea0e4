package strategy

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"execution-core/internal/engine"
)

const (
	doneSuffix   = ".done"
	failedSuffix = ".failed"
)

// SignalFile is the YAML inbox format. A file may also be a bare list of
// signals.
//
//	strategy_version: momentum-v3
//	signals:
//	  - action: BUY
//	    symbol: BTCUSD
//	    size_pct: 0.1
//	    stop_loss: 48000
type SignalFile struct {
	StrategyVersion string             `yaml:"strategy_version"`
	Signals         []engine.RawSignal `yaml:"signals"`
}

// DirSource reads *.yaml and *.yml files from an inbox directory in name
// order. Acknowledged files are renamed with a .done or .failed suffix so
// they are never read twice. Writers should create files under another
// extension and rename them into place.
type DirSource struct {
	dir string
}

func NewDirSource(dir string) (*DirSource, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("signals dir: %w", err)
	}
	return &DirSource{dir: dir}, nil
}

func (d *DirSource) Name() string { return "dir:" + d.dir }

func (d *DirSource) Fetch(ctx context.Context) ([]Batch, error) {
	entries, err := os.ReadDir(d.dir)
	if err != nil {
		return nil, err
	}
	var out []Batch
	for _, ent := range entries {
		if ent.IsDir() || !isSignalFile(ent.Name()) {
			continue
		}
		if ctx.Err() != nil {
			return out, ctx.Err()
		}
		data, err := os.ReadFile(filepath.Join(d.dir, ent.Name()))
		if err != nil {
			return out, err
		}
		sigs, err := DecodeSignals(data)
		out = append(out, Batch{ID: ent.Name(), Signals: sigs, Err: err})
	}
	return out, nil
}

func (d *DirSource) Ack(_ context.Context, id string, err error) error {
	suffix := doneSuffix
	if err != nil {
		suffix = failedSuffix
	}
	path := filepath.Join(d.dir, filepath.Base(id))
	return os.Rename(path, path+suffix)
}

func isSignalFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

// DecodeSignals accepts either a SignalFile document or a bare list. The
// document's strategy_version fills in signals that carry none.
func DecodeSignals(data []byte) ([]engine.RawSignal, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, err
	}
	if len(root.Content) == 0 {
		return nil, nil
	}
	doc := root.Content[0]

	switch doc.Kind {
	case yaml.SequenceNode:
		var sigs []engine.RawSignal
		if err := doc.Decode(&sigs); err != nil {
			return nil, err
		}
		return sigs, nil
	case yaml.MappingNode:
		var f SignalFile
		if err := doc.Decode(&f); err != nil {
			return nil, err
		}
		for i := range f.Signals {
			if f.Signals[i].StrategyVersion == "" {
				f.Signals[i].StrategyVersion = f.StrategyVersion
			}
		}
		return f.Signals, nil
	}
	return nil, errors.New("signal file must be a mapping or a list")
}
