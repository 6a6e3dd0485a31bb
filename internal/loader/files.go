package loader

import (
	"io/fs"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
)

// findFiles walks root and returns the files whose base name starts with
// prefix and ends with suffix, ignoring case, sorted by path.
func findFiles(root, prefix, suffix string) ([]string, error) {
	if root == "" {
		return nil, eris.New("loader: no directory configured")
	}
	prefix = strings.ToLower(prefix)
	suffix = strings.ToLower(suffix)

	var out []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		name := strings.ToLower(d.Name())
		if strings.HasPrefix(name, prefix) && strings.HasSuffix(name, suffix) {
			out = append(out, path)
		}
		return nil
	})
	if err != nil {
		return nil, eris.Wrapf(err, "loader: scan %s", root)
	}
	sort.Strings(out)
	return out, nil
}
