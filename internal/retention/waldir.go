package retention

import (
	"os"
	"path/filepath"
	"sort"
)

func readWALDir(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

func removeWALSegment(dir, name string) error {
	return os.Remove(filepath.Join(dir, name))
}
