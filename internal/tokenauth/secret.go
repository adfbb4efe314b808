package tokenauth

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// SecretSource supplies the current primary verification secret. Sources
// must be safe for concurrent use.
type SecretSource interface {
	Secret() []byte
}

// StaticSecret is a fixed secret.
type StaticSecret string

func (s StaticSecret) Secret() []byte { return []byte(s) }

// FileSecret reads the secret from a file and hot-reloads it on change, so
// the secret can be rotated without restarting the gateway. Tokens signed
// with the previous secret fail verification after rotation.
type FileSecret struct {
	path    string
	log     *slog.Logger
	watcher *fsnotify.Watcher

	mu     sync.RWMutex
	secret []byte
}

// NewFileSecret loads the secret at path and starts watching it. The watch
// covers the parent directory so atomic rename-based rewrites (the common
// rotation pattern) are observed.
func NewFileSecret(path string, log *slog.Logger) (*FileSecret, error) {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	b, err := readSecretFile(path)
	if err != nil {
		return nil, fmt.Errorf("tokenauth: read secret file: %w", err)
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("tokenauth: watch secret file: %w", err)
	}
	if err := w.Add(filepath.Dir(path)); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("tokenauth: watch secret file: %w", err)
	}

	fs := &FileSecret{path: path, log: log, watcher: w, secret: b}
	go fs.watch()
	return fs, nil
}

func (f *FileSecret) Secret() []byte {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.secret
}

// Close stops the watcher.
func (f *FileSecret) Close() error { return f.watcher.Close() }

func (f *FileSecret) watch() {
	for {
		select {
		case ev, ok := <-f.watcher.Events:
			if !ok {
				return
			}
			if ev.Name != f.path || !ev.Op.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
				continue
			}
			b, err := readSecretFile(f.path)
			if err != nil {
				f.log.Warn("secret.reload.fail", slog.String("err", err.Error()))
				continue
			}
			f.mu.Lock()
			f.secret = b
			f.mu.Unlock()
			f.log.Info("secret.reload.ok")
		case err, ok := <-f.watcher.Errors:
			if !ok {
				return
			}
			f.log.Warn("secret.watch.err", slog.String("err", err.Error()))
		}
	}
}

// readSecretFile reads path and strips surrounding whitespace; editors and
// rotation scripts commonly leave a trailing newline.
func readSecretFile(path string) ([]byte, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return bytes.TrimSpace(b), nil
}

var (
	_ SecretSource = StaticSecret("")
	_ SecretSource = (*FileSecret)(nil)
)
