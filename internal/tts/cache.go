// Package tts turns the pet's Japanese lines into wav files, walking a
// ladder of backends: cached audio, recorded originals, a local VITS
// server, and a generated beep when everything else is down.
package tts

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
)

const defaultMinWavBytes = 10240

// Key returns the cache key for a line of text. MD5 keeps filenames
// compatible with voice directories produced by earlier releases.
func Key(ja string) string {
	sum := md5.Sum([]byte(ja))
	return hex.EncodeToString(sum[:])
}

// Cache stores synthesized voice lines on disk, keyed by the text's
// MD5. Only VITS output is cached; mock beeps share the directory but
// are regenerated on every use.
type Cache struct {
	dir      string
	minBytes int64
}

// NewCache opens (and if needed creates) a voice directory.
func NewCache(dir string, minBytes int64) (*Cache, error) {
	if dir == "" {
		return nil, fmt.Errorf("voices dir is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("ensure voices dir %q: %w", dir, err)
	}
	if minBytes <= 0 {
		minBytes = defaultMinWavBytes
	}
	return &Cache{dir: dir, minBytes: minBytes}, nil
}

// LookupVITS returns the cached wav for the text if it is present and
// large enough to be real audio rather than an error body.
func (c *Cache) LookupVITS(ja string) (string, bool) {
	path := c.vitsPath(ja)
	info, err := os.Stat(path)
	if err != nil || info.Size() < c.minBytes {
		return "", false
	}
	return absPath(path), true
}

// StoreVITS commits wav data for the text and returns its path. Tiny
// payloads are rejected; the VITS server answers failures with small
// bodies that must not poison the cache.
func (c *Cache) StoreVITS(ja string, data []byte) (string, error) {
	if int64(len(data)) < c.minBytes {
		return "", fmt.Errorf("vits audio too small: %d bytes", len(data))
	}
	path := c.vitsPath(ja)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("write voice temp %q: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("commit voice file %q: %w", path, err)
	}
	return absPath(path), nil
}

// MockPath returns where the fallback beep for the text lives.
func (c *Cache) MockPath(ja string) string {
	return absPath(filepath.Join(c.dir, Key(ja)+"_mock.wav"))
}

func (c *Cache) vitsPath(ja string) string {
	return filepath.Join(c.dir, Key(ja)+"_vits.wav")
}

// absPath resolves for the overlay frontend, which loads wav files by
// absolute path.
func absPath(path string) string {
	if abs, err := filepath.Abs(path); err == nil {
		return abs
	}
	return path
}
