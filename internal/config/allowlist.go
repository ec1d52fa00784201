package config

import (
	"bufio"
	"context"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Allowlist is the set of participant addresses authorised to talk to the
// fleet without a pre-shared key. Backed by a plain text file (one address
// per line, '#' comments) and reloaded live on change.
type Allowlist struct {
	path string

	mu    sync.RWMutex
	addrs map[string]struct{}
}

// LoadAllowlist reads the allowlist file. A missing file yields an empty
// (deny-all) list, not an error.
func LoadAllowlist(path string) (*Allowlist, error) {
	a := &Allowlist{path: ExpandHome(path), addrs: map[string]struct{}{}}
	if a.path == "" {
		return a, nil
	}
	if err := a.reload(); err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	return a, nil
}

// Contains reports whether addr is allowlisted.
func (a *Allowlist) Contains(addr string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	_, ok := a.addrs[addr]
	return ok
}

// Len returns the number of allowlisted addresses.
func (a *Allowlist) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.addrs)
}

func (a *Allowlist) reload() error {
	f, err := os.Open(a.path)
	if err != nil {
		return err
	}
	defer f.Close()

	addrs := map[string]struct{}{}
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		addrs[line] = struct{}{}
	}
	if err := sc.Err(); err != nil {
		return err
	}

	a.mu.Lock()
	a.addrs = addrs
	a.mu.Unlock()
	return nil
}

// Watch reloads the list whenever the file changes, until ctx is done.
func (a *Allowlist) Watch(ctx context.Context, log *slog.Logger) error {
	if a.path == "" {
		<-ctx.Done()
		return nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	// Watch the directory: editors replace files, which drops a watch on
	// the file itself.
	dir := a.path[:strings.LastIndex(a.path, "/")+1]
	if dir == "" {
		dir = "."
	}
	if err := w.Add(dir); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if ev.Name != a.path {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			if err := a.reload(); err != nil {
				log.Warn("allowlist: reload failed", "error", err)
				continue
			}
			log.Info("allowlist: reloaded", "addresses", a.Len())
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.Warn("allowlist: watch error", "error", err)
		}
	}
}
