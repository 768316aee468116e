// Package inputs turns command-line file arguments into submission images.
//
// Arguments may be literal paths or doublestar glob patterns
// ("scans/**/*.png"). Content types are sniffed from the file bytes, never
// taken from the extension.
package inputs

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/gabriel-vasile/mimetype"

	"github.com/3leaps/parsekit/pkg/submit"
)

// DefaultMaxFileBytes caps a single input file.
const DefaultMaxFileBytes = 32 << 20

// Errors returned by expansion and loading.
var (
	// ErrNoMatch is returned when a pattern matches no files.
	ErrNoMatch = errors.New("no files match")

	// ErrInvalidPattern is returned when a pattern cannot be compiled.
	ErrInvalidPattern = errors.New("invalid glob pattern")

	// ErrUnsupportedType is returned for files whose sniffed type the
	// service does not accept.
	ErrUnsupportedType = errors.New("unsupported content type")

	// ErrTooLarge is returned for files over the size cap.
	ErrTooLarge = errors.New("file too large")
)

// PathError attaches the offending argument or file to an error.
type PathError struct {
	Path string
	Err  error
}

func (e *PathError) Error() string {
	return e.Path + ": " + e.Err.Error()
}

func (e *PathError) Unwrap() error {
	return e.Err
}

// Options configures Expand and Load.
type Options struct {
	// Excludes are glob patterns matched against expanded paths
	// (slash separated). Matching files are dropped.
	Excludes []string

	// IncludeHidden keeps files under dot-prefixed path segments that a
	// glob matched. Literal paths are always kept.
	// Default: false
	IncludeHidden bool

	// MaxFileBytes caps a single file. Zero uses DefaultMaxFileBytes.
	MaxFileBytes int64
}

// Expand resolves args to a deduplicated list of regular files, in argument
// order and lexical order within each glob.
func Expand(args []string, opts Options) ([]string, error) {
	for _, ex := range opts.Excludes {
		if !doublestar.ValidatePattern(filepath.ToSlash(ex)) {
			return nil, &PathError{Path: ex, Err: ErrInvalidPattern}
		}
	}

	seen := make(map[string]bool)
	var out []string
	add := func(p string) {
		clean := filepath.Clean(p)
		if seen[clean] || excluded(clean, opts.Excludes) {
			return
		}
		seen[clean] = true
		out = append(out, clean)
	}

	for _, arg := range args {
		if !hasMeta(arg) {
			info, err := os.Stat(arg)
			if err != nil {
				return nil, &PathError{Path: arg, Err: err}
			}
			if !info.Mode().IsRegular() {
				return nil, &PathError{Path: arg, Err: errors.New("not a regular file")}
			}
			add(arg)
			continue
		}

		pattern := filepath.ToSlash(arg)
		if !doublestar.ValidatePattern(pattern) {
			return nil, &PathError{Path: arg, Err: ErrInvalidPattern}
		}
		matches, err := doublestar.FilepathGlob(arg, doublestar.WithFilesOnly())
		if err != nil {
			return nil, &PathError{Path: arg, Err: err}
		}
		sort.Strings(matches)

		base, _ := doublestar.SplitPattern(pattern)
		n := 0
		for _, m := range matches {
			if !opts.IncludeHidden && hiddenBelow(base, m) {
				continue
			}
			add(m)
			n++
		}
		if n == 0 {
			return nil, &PathError{Path: arg, Err: ErrNoMatch}
		}
	}
	return out, nil
}

// Load reads one file and sniffs its content type.
func Load(path string, opts Options) (submit.Image, error) {
	limit := opts.MaxFileBytes
	if limit <= 0 {
		limit = DefaultMaxFileBytes
	}

	f, err := os.Open(path)
	if err != nil {
		return submit.Image{}, &PathError{Path: path, Err: err}
	}
	defer func() { _ = f.Close() }()

	data, err := io.ReadAll(io.LimitReader(f, limit+1))
	if err != nil {
		return submit.Image{}, &PathError{Path: path, Err: err}
	}
	if int64(len(data)) > limit {
		return submit.Image{}, &PathError{Path: path, Err: fmt.Errorf("%w: over %d bytes", ErrTooLarge, limit)}
	}

	mime := Detect(data)
	if !submit.AllowedMimeType(mime) {
		return submit.Image{}, &PathError{Path: path, Err: fmt.Errorf("%w: %s", ErrUnsupportedType, mime)}
	}
	return submit.Image{MimeType: mime, Data: data}, nil
}

// LoadAll expands args and loads every file.
func LoadAll(args []string, opts Options) ([]submit.Image, []string, error) {
	paths, err := Expand(args, opts)
	if err != nil {
		return nil, nil, err
	}
	images := make([]submit.Image, 0, len(paths))
	for _, p := range paths {
		img, err := Load(p, opts)
		if err != nil {
			return nil, nil, err
		}
		images = append(images, img)
	}
	return images, paths, nil
}

// Detect returns the sniffed media type of data without parameters.
func Detect(data []byte) string {
	mime := mimetype.Detect(data).String()
	if i := strings.IndexByte(mime, ';'); i >= 0 {
		mime = mime[:i]
	}
	return strings.TrimSpace(mime)
}

func hasMeta(p string) bool {
	return strings.ContainsAny(p, "*?[{")
}

func excluded(path string, excludes []string) bool {
	slash := filepath.ToSlash(path)
	for _, ex := range excludes {
		if ok, _ := doublestar.Match(filepath.ToSlash(ex), slash); ok {
			return true
		}
	}
	return false
}

// hiddenBelow reports whether match has a dot-prefixed segment after the
// literal base of its pattern.
func hiddenBelow(base, match string) bool {
	rel := filepath.ToSlash(match)
	if base != "." && base != "" {
		rel = strings.TrimPrefix(rel, strings.TrimSuffix(base, "/")+"/")
	}
	for _, seg := range strings.Split(rel, "/") {
		if len(seg) > 1 && seg[0] == '.' && seg != ".." {
			return true
		}
	}
	return false
}
