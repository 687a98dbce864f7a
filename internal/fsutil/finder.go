// Package fsutil provides file system utility functions.
package fsutil

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// FindFilesByExtension returns every file ending with extension below the
// given paths, sorted and without duplicates. A path may also name a single
// file, which is returned as is when its extension matches.
func FindFilesByExtension(extension string, paths ...string) ([]string, error) {
	if extension == "" {
		panic("extension must not be empty")
	}

	seen := make(map[string]struct{})
	var files []string
	add := func(p string) {
		if _, ok := seen[p]; ok {
			return
		}
		seen[p] = struct{}{}
		files = append(files, p)
	}

	for _, root := range paths {
		info, err := os.Stat(root)
		if err != nil {
			return nil, fmt.Errorf("error accessing path %s: %w", root, err)
		}
		if !info.IsDir() {
			if strings.HasSuffix(root, extension) {
				add(filepath.Clean(root))
			}
			continue
		}
		err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if !d.IsDir() && strings.HasSuffix(d.Name(), extension) {
				add(path)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}

	sort.Strings(files)
	return files, nil
}

// IsNewer reports whether every path in outs exists and is at least as new
// as every existing path in ins. It is false for empty outs.
func IsNewer(outs, ins []string) bool {
	if len(outs) == 0 {
		return false
	}
	oldest := int64(-1)
	for _, p := range outs {
		info, err := os.Stat(p)
		if err != nil {
			return false
		}
		if t := info.ModTime().UnixNano(); oldest < 0 || t < oldest {
			oldest = t
		}
	}
	for _, p := range ins {
		info, err := os.Stat(p)
		if err != nil {
			continue
		}
		if info.ModTime().UnixNano() > oldest {
			return false
		}
	}
	return true
}
