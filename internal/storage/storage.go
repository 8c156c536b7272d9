package storage

import (
	"errors"
	"regexp"
	"strings"
	"time"
)

// Repository is a key-value store with per-entry TTL. It is the only
// persistence interface the core depends on; backends decide durability.
//
// Keys are slash-separated paths such as "auth/sessions/<tokenId>" or
// "transport/streamable/<sessionId>".
type Repository interface {
	// Get returns the stored value for key. The second return is false
	// when the key is absent or expired.
	Get(key string) ([]byte, bool, error)

	// Save stores value under key. A ttl of zero means no expiry.
	Save(key string, value []byte, ttl time.Duration) error

	// Delete removes key. Deleting an absent key is not an error.
	Delete(key string) error

	// Sweep removes expired entries and returns how many were evicted.
	Sweep() int
}

// Lister is implemented by backends that can enumerate keys under a
// prefix. Both built-in backends implement it.
type Lister interface {
	List(prefix string) []string
}

// ErrInvalidKey is returned when a key contains characters that cannot be
// mapped onto a backend.
var ErrInvalidKey = errors.New("storage: invalid key")

var keyPattern = regexp.MustCompile(`^[A-Za-z0-9_.:-]+(/[A-Za-z0-9_.:-]+)*$`)

// ValidateKey checks that a key is safe for all backends. The file backend
// maps path segments onto directories, so traversal sequences are rejected
// here rather than per-backend.
func ValidateKey(key string) error {
	if key == "" || !keyPattern.MatchString(key) {
		return ErrInvalidKey
	}
	for _, segment := range strings.Split(key, "/") {
		if segment == "." || segment == ".." {
			return ErrInvalidKey
		}
	}
	return nil
}

// Sweeper runs Sweep on a repository at a fixed interval until Stop is
// called.
type Sweeper struct {
	repo     Repository
	interval time.Duration
	stop     chan struct{}
	done     chan struct{}
}

// NewSweeper creates a sweeper for repo. Interval defaults to one minute.
func NewSweeper(repo Repository, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{
		repo:     repo,
		interval: interval,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the background sweep loop.
func (s *Sweeper) Start() {
	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.repo.Sweep()
			case <-s.stop:
				return
			}
		}
	}()
}

// Stop terminates the sweep loop and waits for it to exit.
func (s *Sweeper) Stop() {
	close(s.stop)
	<-s.done
}
