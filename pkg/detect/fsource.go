package detect

import (
	"context"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"strings"
)

// FilesystemSource walks a directory tree and derives the built-in
// structural metrics: file count, maximum directory depth, filename
// entropy, self-reference and reflex-pattern counts.
type FilesystemSource struct {
	// MaxDetailFiles caps how many matching paths are recorded in event
	// details. Zero means the default of 10.
	MaxDetailFiles int
}

// selfRefPatterns are content markers suggesting a file manipulates its
// own location.
var selfRefPatterns = []string{
	"__file__",
	"os.Getwd",
	"filepath.Dir(os.Args[0])",
	"self.modify",
	"self.reorganize",
	"self.update",
}

// reflexIndicators are filename fragments suggesting automated response
// hooks.
var reflexIndicators = []string{
	"reflex",
	"trigger",
	"auto_",
	"_hook",
	"on_change",
	"watch",
	"observer",
}

// Collect walks target and computes one Observation. Unreadable entries
// are skipped rather than failing the scan.
func (s FilesystemSource) Collect(ctx context.Context, target string) (Observation, error) {
	limit := s.MaxDetailFiles
	if limit <= 0 {
		limit = 10
	}

	var (
		fileCount   float64
		maxDepth    float64
		names       []string
		selfRefs    []string
		reflexFiles []string
	)

	root := filepath.Clean(target)
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil || rel == "." {
			return nil
		}
		if d.IsDir() {
			depth := float64(len(strings.Split(rel, string(filepath.Separator))))
			if depth > maxDepth {
				maxDepth = depth
			}
			return nil
		}
		fileCount++
		names = append(names, d.Name())

		lower := strings.ToLower(d.Name())
		for _, ind := range reflexIndicators {
			if strings.Contains(lower, ind) {
				reflexFiles = append(reflexFiles, rel)
				break
			}
		}
		if isSourceFile(d.Name()) {
			if content, err := os.ReadFile(path); err == nil {
				for _, p := range selfRefPatterns {
					if strings.Contains(string(content), p) {
						selfRefs = append(selfRefs, rel)
						break
					}
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	obs := Observation{
		MetricFileCount: {
			Value:   fileCount,
			Details: map[string]any{"target": root},
		},
		MetricDirectoryDepth: {
			Value:   maxDepth,
			Details: map[string]any{"target": root},
		},
		MetricFilenameEntropy: {
			Value:   filenameEntropy(names),
			Details: map[string]any{"sample_size": len(names)},
		},
		MetricSelfReference: {
			Value:   float64(len(selfRefs)),
			Details: map[string]any{"files": head(selfRefs, limit)},
		},
		MetricReflexPattern: {
			Value:   float64(len(reflexFiles)),
			Details: map[string]any{"files": head(reflexFiles, limit)},
		},
	}
	return obs, nil
}

func isSourceFile(name string) bool {
	switch filepath.Ext(name) {
	case ".go", ".py", ".sh", ".rb", ".js", ".ts":
		return true
	}
	return false
}

func head(xs []string, n int) []string {
	if len(xs) <= n {
		return xs
	}
	return xs[:n]
}

// filenameEntropy computes the Shannon entropy of the character
// distribution across all filenames, normalized to [0,1] by the maximum
// entropy for the observed alphabet. High values suggest generated
// naming; a corpus drawn from a single character scores zero.
func filenameEntropy(names []string) float64 {
	freq := make(map[rune]int)
	total := 0
	for _, name := range names {
		for _, r := range name {
			freq[r]++
			total++
		}
	}
	if total == 0 || len(freq) <= 1 {
		return 0
	}
	entropy := 0.0
	for _, count := range freq {
		p := float64(count) / float64(total)
		entropy -= p * math.Log2(p)
	}
	maxEntropy := math.Log2(float64(len(freq)))
	if maxEntropy <= 0 {
		return 0
	}
	return entropy / maxEntropy
}
