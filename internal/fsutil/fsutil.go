package fsutil

import (
	"os"
	"path/filepath"
	"strings"
)

var frameExts = map[string]struct{}{
	".fits": {},
	".fit":  {},
	".fts":  {},
	".fz":   {},
	".tif":  {},
	".tiff": {},
	".png":  {},
}

// ListFrames returns all frame-like files under root, sorted by path so a
// numbered exposure sequence keeps its order.
func ListFrames(root string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if IsFrameFile(d.Name()) {
			files = append(files, path)
		}
		return nil
	})
	return files, err
}

// IsFrameFile reports whether name has a recognized frame extension.
func IsFrameFile(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	_, ok := frameExts[ext]
	return ok
}
