package tts

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// ArtifactKey identifies a cached audio artifact. Every parameter that
// alters synthesis output is part of the key — two sessions using
// different voices must never collide on the same file.
type ArtifactKey struct {
	Text     string
	Voice    string
	Style    string
	Model    string
	Provider string
	Speed    float64
}

// Fingerprint returns the stable hex name used for the on-disk cache file.
func (k ArtifactKey) Fingerprint() string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%s\x00%s\x00%s\x00%s\x00%.3f", k.Text, k.Voice, k.Style, k.Model, k.Provider, k.Speed)
	return hex.EncodeToString(h.Sum(nil))[:32]
}

// Artifact records a generated audio clip in the in-memory cache index.
type Artifact struct {
	Path         string
	DurationHint time.Duration
	GeneratedAt  time.Time
}
