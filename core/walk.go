package core

import (
	"errors"
	"io/fs"
	"path/filepath"
	"strings"
	"sync"
)

// ConcurrentlyWalkDir recursively traverses a directory and calls `onFile` inside a goroutine
// for each found file whose extension matches `ext` (case-insensitive, "" matches everything).
// At most `GetConfig().OpenFileLimit` callbacks run at once.
// Errors returned by `onFile` are joined and returned once every callback has finished.
func ConcurrentlyWalkDir(dirPath string, ext string, onFile func(path string) error) error {
	guard := make(chan bool, GetConfig().OpenFileLimit) // limits number of concurrently open files
	var files []string

	err := filepath.WalkDir(dirPath, func(filePath string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if ext == "" || strings.EqualFold(filepath.Ext(filePath), ext) {
			files = append(files, filePath)
		}
		return nil
	})
	if err != nil {
		return err
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, filePath := range files {
		wg.Add(1)
		guard <- true // would block if guard channel is already filled
		go func(path string) {
			defer wg.Done()
			if err := onFile(path); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			<-guard
		}(filePath)
	}
	wg.Wait()
	return errors.Join(errs...)
}
