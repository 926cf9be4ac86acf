package runtime

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotCached indicates no build record exists for the mod
var ErrNotCached = errors.New("mod not in build cache")

// BuildCache records, per mod, the content hash of the sources that
// produced the last good artifact. Regeneration consults it to skip mods
// whose sources have not changed since they were built.
type BuildCache struct {
	db     *sql.DB
	dbPath string
	mu     sync.Mutex
}

// OpenBuildCache opens the cache database, creating it if needed.
func OpenBuildCache(dbPath string) (*BuildCache, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening build cache: %w", err)
	}

	// Set busy timeout for concurrent access
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS mod_builds (
		mod TEXT PRIMARY KEY,
		source_hash TEXT NOT NULL,
		artifact TEXT NOT NULL,
		descriptor TEXT NOT NULL,
		built_at INTEGER NOT NULL
	)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating mod_builds table: %w", err)
	}

	return &BuildCache{db: db, dbPath: dbPath}, nil
}

// BuildRecord is one cached build result.
type BuildRecord struct {
	Mod        string
	SourceHash string
	Artifact   string
	Descriptor string
	BuiltAt    time.Time
}

// Lookup returns the cached record for a mod, or ErrNotCached.
func (c *BuildCache) Lookup(mod string) (*BuildRecord, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var rec BuildRecord
	var builtAt int64
	err := c.db.QueryRow(
		"SELECT mod, source_hash, artifact, descriptor, built_at FROM mod_builds WHERE mod = ?", mod,
	).Scan(&rec.Mod, &rec.SourceHash, &rec.Artifact, &rec.Descriptor, &builtAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotCached
	}
	if err != nil {
		return nil, fmt.Errorf("querying build cache: %w", err)
	}
	rec.BuiltAt = time.Unix(builtAt, 0)
	return &rec, nil
}

// Store upserts a build record.
func (c *BuildCache) Store(rec *BuildRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, err := c.db.Exec(
		"INSERT OR REPLACE INTO mod_builds (mod, source_hash, artifact, descriptor, built_at) VALUES (?, ?, ?, ?, ?)",
		rec.Mod, rec.SourceHash, rec.Artifact, rec.Descriptor, rec.BuiltAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("storing build record: %w", err)
	}
	return nil
}

// Forget drops a mod's record, for mods whose package directory is gone.
func (c *BuildCache) Forget(mod string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, err := c.db.Exec("DELETE FROM mod_builds WHERE mod = ?", mod); err != nil {
		return fmt.Errorf("forgetting build record: %w", err)
	}
	return nil
}

// Close closes the cache database.
func (c *BuildCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.db != nil {
		err := c.db.Close()
		c.db = nil
		return err
	}
	return nil
}

// HashModSources content-addresses a mod package: one sha256 over every
// regular file under dir, walked in lexical order, each fed as path, NUL,
// content, NUL. Any change to any source file changes the hash.
func HashModSources(dir string) (string, error) {
	h := sha256.New()
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		h.Write([]byte(rel))
		h.Write([]byte{0})
		if _, err := io.Copy(h, f); err != nil {
			return err
		}
		h.Write([]byte{0})
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("hashing sources in %s: %w", dir, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
