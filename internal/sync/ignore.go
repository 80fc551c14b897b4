package sync

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	gitignore "github.com/sabhiram/go-gitignore"
	"github.com/spf13/afero"
)

// IgnoreFileName is the per-tree rules file read from the source root.
const IgnoreFileName = ".resyncignore"

// defaultIgnoreLines keep resync's own artifacts out of the copy when the
// ledger or the rules file lives inside the source tree.
var defaultIgnoreLines = []string{
	IgnoreFileName,
	".resync/",
	".ledger-*.tmp",
}

// IgnoreList decides which tree-relative paths a sync pass skips, using
// gitignore pattern semantics. Rules come from the built-in defaults, the
// .resyncignore file at the source root, and any extra patterns passed in.
type IgnoreList struct {
	fs      afero.Fs
	baseDir string
	extra   []string
	ignore  *gitignore.GitIgnore
}

func NewIgnoreList(fs afero.Fs, baseDir string, extra ...string) *IgnoreList {
	return &IgnoreList{fs: fs, baseDir: baseDir, extra: extra}
}

// Load compiles the rule set. Call again to pick up .resyncignore edits.
func (l *IgnoreList) Load() {
	lines := make([]string, 0, len(defaultIgnoreLines)+len(l.extra))
	lines = append(lines, defaultIgnoreLines...)

	ignorePath := filepath.Join(l.baseDir, IgnoreFileName)
	data, err := afero.ReadFile(l.fs, ignorePath)
	switch {
	case err == nil:
		rules := 0
		for _, line := range strings.Split(string(data), "\n") {
			line = strings.TrimSpace(line)
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			lines = append(lines, line)
			rules++
		}
		slog.Info("loaded ignore file", "path", ignorePath, "rules", rules)
	case !errors.Is(err, os.ErrNotExist):
		slog.Warn("ignore file unreadable", "path", ignorePath, "error", err)
	}

	lines = append(lines, l.extra...)
	l.ignore = gitignore.CompileIgnoreLines(lines...)
}

// ShouldIgnore reports whether the slash-separated tree-relative path
// matches any rule.
func (l *IgnoreList) ShouldIgnore(relPath string) bool {
	if l.ignore == nil {
		l.Load()
	}
	return l.ignore.MatchesPath(relPath)
}
