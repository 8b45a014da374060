package auth

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/codefionn/stenobridge/internal/logger"
	"github.com/codefionn/stenobridge/internal/secrets"
	"github.com/codefionn/stenobridge/internal/securemem"
)

// Store loads the shared credential from disk, keeps the derived proof key in
// protected memory, and reloads when the file changes so operators can rotate
// the secret without restarting the server. When the file disappears or turns
// unreadable the store empties and authentication fails closed.
type Store struct {
	path string

	mu          sync.RWMutex
	key         *securemem.String
	salt        string
	fingerprint string

	watcher   *fsnotify.Watcher
	stopWatch chan struct{}
	closeOnce sync.Once
}

// NewStore loads the credential at path and starts watching it for changes.
// A missing or malformed file is not fatal: the store starts empty and
// rejects authentication until a valid credential appears.
func NewStore(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("credential path is empty")
	}

	s := &Store{
		path:      path,
		stopWatch: make(chan struct{}),
	}

	if err := s.reload(); err != nil {
		logger.Warn("Credential not loaded from %s: %v (authentication disabled until it appears)", path, err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Warn("Failed to create credential watcher: %v", err)
	} else {
		s.watcher = watcher
		// Watch the directory: editors and rotation scripts typically
		// replace the file rather than write it in place.
		if err := watcher.Add(filepath.Dir(path)); err != nil {
			logger.Warn("Failed to watch credential directory: %v", err)
		}
		go s.watchCredential()
	}

	return s, nil
}

// WithKey runs fn with the derived proof key. Returns ErrMissingCredential
// when no credential is loaded.
func (s *Store) WithKey(fn func(key []byte)) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.key.IsEmpty() {
		return ErrMissingCredential
	}
	s.key.WithBytes(fn)
	return nil
}

// Salt returns the base64 salt clients need to derive the same key.
func (s *Store) Salt() (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.key.IsEmpty() {
		return "", ErrMissingCredential
	}
	return s.salt, nil
}

// Fingerprint returns the short public identifier of the loaded key.
func (s *Store) Fingerprint() (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.key.IsEmpty() {
		return "", ErrMissingCredential
	}
	return s.fingerprint, nil
}

// Loaded reports whether a credential is currently available.
func (s *Store) Loaded() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return !s.key.IsEmpty()
}

// Close stops the watcher and wipes the key.
func (s *Store) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.stopWatch)
		if s.watcher != nil {
			err = s.watcher.Close()
		}
		s.mu.Lock()
		s.clearLocked()
		s.mu.Unlock()
	})
	return err
}

// reload reads, validates and installs the credential file.
func (s *Store) reload() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		s.mu.Lock()
		s.clearLocked()
		s.mu.Unlock()
		return fmt.Errorf("read credential: %w", err)
	}

	cred, err := secrets.DecodeCredential(data)
	securemem.SecureWipe(data)
	if err != nil {
		s.mu.Lock()
		s.clearLocked()
		s.mu.Unlock()
		return err
	}

	key, err := cred.DeriveKey()
	if err != nil {
		return err
	}
	fingerprint := secrets.Fingerprint(key)

	s.mu.Lock()
	old := s.key
	s.key = securemem.NewStringFromBytes(key) // memguard wipes the input slice
	s.salt = cred.Salt
	s.fingerprint = fingerprint
	s.mu.Unlock()
	old.Destroy()
	securemem.SecureWipeString(&cred.Secret)

	logger.Info("Credential loaded from %s (fingerprint %s)", s.path, fingerprint)
	return nil
}

// clearLocked wipes the installed key. Caller holds the write lock.
func (s *Store) clearLocked() {
	if !s.key.IsEmpty() {
		logger.Warn("Credential cleared; new connections will be refused until a valid credential is restored")
	}
	s.key.Destroy()
	s.key = nil
	s.salt = ""
	s.fingerprint = ""
}

// watchCredential reloads the store when the credential file changes.
func (s *Store) watchCredential() {
	for {
		select {
		case <-s.stopWatch:
			return
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(s.path) {
				continue
			}
			switch {
			case event.Op.Has(fsnotify.Write) || event.Op.Has(fsnotify.Create):
				if err := s.reload(); err != nil {
					logger.Error("Credential reload failed: %v", err)
				}
			case event.Op.Has(fsnotify.Remove) || event.Op.Has(fsnotify.Rename):
				s.mu.Lock()
				s.clearLocked()
				s.mu.Unlock()
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			logger.Error("Credential watcher error: %v", err)
		}
	}
}

// WriteCredential wraps the secret with a fresh salt and persists it with
// owner-only permissions. Used on first run to provision the shared secret.
func WriteCredential(path, secret string) (*secrets.Credential, error) {
	cred, err := secrets.NewCredential(secret)
	if err != nil {
		return nil, err
	}
	data, err := secrets.EncodeCredential(cred)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create credential directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return nil, fmt.Errorf("write credential: %w", err)
	}
	securemem.SecureWipe(data)
	return cred, nil
}
