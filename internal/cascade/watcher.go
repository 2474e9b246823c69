package cascade

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// doneSuffix marks spool files that have already been evaluated.
const doneSuffix = ".done"

// sourceFile is the on-disk shape of a committed source in the spool dir.
type sourceFile struct {
	SourceID string            `json:"source_id,omitempty"`
	Kind     string            `json:"kind"`
	Fields   map[string]string `json:"fields,omitempty"`
}

// Watcher evaluates source artifacts dropped into a spool directory. Each
// *.json file is committed to the graph, evaluated against the enabled
// rules exactly once, and renamed with a .done suffix.
type Watcher struct {
	dir    string
	eval   *Evaluator
	logger *log.Logger
}

// NewWatcher creates a spool watcher over dir, creating it if needed.
func NewWatcher(dir string, eval *Evaluator, logger *log.Logger) (*Watcher, error) {
	if logger == nil {
		logger = log.New(os.Stderr, "", log.LstdFlags)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create sources dir: %w", err)
	}
	return &Watcher{dir: dir, eval: eval, logger: logger}, nil
}

// Run watches the spool until ctx is cancelled. Files already present at
// startup are processed first, so sources committed while no watcher was
// running are not lost.
func (w *Watcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("fsnotify.NewWatcher() failed: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(w.dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", w.dir, err)
	}

	if err := w.Sweep(ctx); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !event.Op.Has(fsnotify.Create) && !event.Op.Has(fsnotify.Write) && !event.Op.Has(fsnotify.Rename) {
				continue
			}
			if !isSpoolFile(event.Name) {
				continue
			}
			if err := w.ProcessFile(ctx, event.Name); err != nil {
				w.logger.Printf("cascade: %s: %v", filepath.Base(event.Name), err)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Printf("cascade: watcher error: %v", err)
		}
	}
}

// Sweep processes every unprocessed spool file currently in the directory.
func (w *Watcher) Sweep(ctx context.Context) error {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return fmt.Errorf("failed to read sources dir: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !isSpoolFile(entry.Name()) {
			continue
		}
		path := filepath.Join(w.dir, entry.Name())
		if err := w.ProcessFile(ctx, path); err != nil {
			w.logger.Printf("cascade: %s: %v", entry.Name(), err)
		}
	}
	return nil
}

// ProcessFile commits and evaluates one spool file, then renames it so it
// is never evaluated twice. A file that vanished (already renamed by a
// concurrent watcher) is skipped silently.
func (w *Watcher) ProcessFile(ctx context.Context, path string) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	var sf sourceFile
	if err := json.Unmarshal(data, &sf); err != nil {
		return fmt.Errorf("invalid source file: %w", err)
	}
	if sf.Kind == "" {
		return fmt.Errorf("source file missing kind")
	}

	src, err := w.eval.graph.CommitSource(ctx, sf.SourceID, sf.Kind, sf.Fields)
	if err != nil {
		return err
	}
	created, err := w.eval.EvaluateSource(ctx, src)
	if err != nil {
		return err
	}
	w.logger.Printf("cascade: source %s (%s) triggered %d request(s)", src.SourceID, src.Kind, len(created))

	if err := os.Rename(path, path+doneSuffix); err != nil {
		return fmt.Errorf("failed to mark spool file done: %w", err)
	}
	return nil
}

func isSpoolFile(name string) bool {
	return strings.HasSuffix(name, ".json") && !strings.HasSuffix(name, doneSuffix)
}
