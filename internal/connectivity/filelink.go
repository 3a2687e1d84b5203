package connectivity

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// LinkSource reports OS-level link transitions.
type LinkSource interface {
	Watch(ctx context.Context, onChange func(up bool)) error
}

// FileLink reads the link state from a file maintained by the host network
// manager. The file holds "online", "up" or "1" when the link is up and
// "offline", "down" or "0" when it is not. A missing file means up.
type FileLink struct {
	Path   string
	Logger Logger
}

// Watch reports the current state, then every change, until ctx is done.
// The parent directory is watched so atomic replace-by-rename is seen.
func (l FileLink) Watch(ctx context.Context, onChange func(up bool)) error {
	path := filepath.Clean(strings.TrimSpace(l.Path))
	if path == "" || path == "." {
		return fmt.Errorf("link file path is required")
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(path), err)
	}

	last, known := false, false
	report := func() {
		up := ReadLinkFile(path)
		if known && up == last {
			return
		}
		last, known = up, true
		onChange(up)
	}
	report()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != path {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0 {
				report()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			if l.Logger != nil {
				l.Logger.Printf("link watcher error: %v", err)
			}
		}
	}
}

func ReadLinkFile(path string) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		return true
	}
	switch strings.ToLower(strings.TrimSpace(string(data))) {
	case "offline", "down", "0", "false":
		return false
	}
	return true
}
