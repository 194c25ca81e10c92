package signature

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"
)

// PathPrefix is prepended to a component's declared name to form its identity.
const PathPrefix = "component."

// ScannerConfig configures a Scanner.
type ScannerConfig struct {
	// ResetBeforeScan truncates the store first. Development use only.
	ResetBeforeScan bool
	// Concurrency bounds parallel file parsing. Default: GOMAXPROCS.
	Concurrency int
}

// ScanReport summarizes one scan.
type ScanReport struct {
	FilesScanned        int      `json:"files_scanned"`
	FilesSkipped        int      `json:"files_skipped"`
	ClassesFound        int      `json:"classes_found"`
	SignaturesProcessed int      `json:"signatures_processed"`
	Inserted            int      `json:"inserted"`
	Components          []string `json:"components"`
	Stats               Stats    `json:"stats"`
}

// Scanner walks a component source tree and registers a signature for every
// component class it finds.
type Scanner struct {
	signer *Signer
	store  Store
	cfg    ScannerConfig
	logger *slog.Logger
}

// NewScanner returns a Scanner writing to store.
func NewScanner(signer *Signer, store Store, cfg ScannerConfig, logger *slog.Logger) *Scanner {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = runtime.GOMAXPROCS(0)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scanner{signer: signer, store: store, cfg: cfg, logger: logger}
}

type scannedFile struct {
	rel     string
	code    string
	classes []ComponentClass
	err     error
}

// ScanAndRegister walks root, signs each component class found and upserts
// the result. Running it twice over an unchanged tree inserts nothing the
// second time.
func (s *Scanner) ScanAndRegister(ctx context.Context, root string) (*ScanReport, error) {
	if s.cfg.ResetBeforeScan {
		s.logger.Warn("resetting signature history before scan", slog.String("root", root))
		if err := s.store.Reset(ctx); err != nil {
			return nil, fmt.Errorf("resetting signature store: %w", err)
		}
	}

	files, err := collectSourceFiles(root)
	if err != nil {
		return nil, err
	}

	// 1. Parse files concurrently.
	scanned := make([]scannedFile, len(files))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)
	for i, rel := range files {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			data, err := os.ReadFile(filepath.Join(root, rel))
			if err != nil {
				scanned[i] = scannedFile{rel: rel, err: err}
				return nil
			}
			code := string(data)
			classes, err := FindComponentClasses(code)
			scanned[i] = scannedFile{rel: rel, code: code, classes: classes, err: err}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	// 2. Upsert sequentially in path order.
	report := &ScanReport{}
	seen := make(map[string]bool)
	for _, f := range scanned {
		report.FilesScanned++
		if f.err != nil {
			report.FilesSkipped++
			s.logger.Debug("skipping component file",
				slog.String("file", f.rel),
				slog.String("error", f.err.Error()),
			)
			continue
		}
		for _, cls := range f.classes {
			report.ClassesFound++
			inserted, err := s.register(ctx, f, cls)
			if err != nil {
				return nil, err
			}
			report.SignaturesProcessed++
			if inserted {
				report.Inserted++
			}
			path := PathPrefix + cls.DeclaredName
			if !seen[path] {
				seen[path] = true
				report.Components = append(report.Components, path)
			}
		}
	}
	sort.Strings(report.Components)

	stats, err := s.store.Stats(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading signature stats: %w", err)
	}
	report.Stats = stats

	s.logger.Info("component signatures registered",
		slog.String("root", root),
		slog.Int("files", report.FilesScanned),
		slog.Int("classes", report.ClassesFound),
		slog.Int("inserted", report.Inserted),
		slog.Int("components", stats.Components),
		slog.Int("total_signatures", stats.TotalSignatures),
	)
	if stats.AccumulationWarning {
		s.logger.Warn("signature history is accumulating, consider a development reset",
			slog.Int("components", stats.Components),
			slog.Int("total_signatures", stats.TotalSignatures),
			slog.Float64("avg_per_component", stats.AvgPerComponent),
		)
	}
	return report, nil
}

func (s *Scanner) register(ctx context.Context, f scannedFile, cls ComponentClass) (bool, error) {
	path := PathPrefix + cls.DeclaredName
	sig := s.signer.Create(path, f.code)
	sig.Version = cls.Version
	sig.Folder = folderOf(f.rel)
	sig.Metadata["class_name"] = cls.ClassName
	sig.Metadata["file"] = f.rel

	inserted, err := s.store.Upsert(ctx, sig)
	if err != nil {
		return false, fmt.Errorf("upserting signature %s: %w", path, err)
	}
	if inserted {
		s.logger.Debug("signature registered",
			slog.String("path", path),
			slog.String("class", cls.ClassName),
			slog.String("version", cls.Version),
			slog.String("file", f.rel),
		)
	}
	return inserted, nil
}

// collectSourceFiles returns slash-relative .py paths under root in lexical
// order, skipping dot directories, __pycache__ and dunder files.
func collectSourceFiles(root string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		name := d.Name()
		if d.IsDir() {
			if path != root && (strings.HasPrefix(name, ".") || strings.HasPrefix(name, "__pycache__")) {
				return filepath.SkipDir
			}
			return nil
		}
		if !strings.HasSuffix(name, ".py") || strings.HasPrefix(name, "__") {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking components dir %s: %w", root, err)
	}
	sort.Strings(files)
	return files, nil
}

func folderOf(rel string) string {
	dir := filepath.ToSlash(filepath.Dir(filepath.FromSlash(rel)))
	if dir == "." {
		return ""
	}
	return dir
}
