package tts

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"
)

var errNoGenerator = errors.New("no tts generator configured")

// generation timeouts: the API generator can be slow, the local fallback
// should not be.
const (
	primaryGenTimeout  = 30 * time.Second
	fallbackGenTimeout = 10 * time.Second
)

// wavBytesPerSecond approximates 24 kHz 16-bit mono output, used only
// for the duration hint.
const wavBytesPerSecond = 48000

// ensureArtifact returns the cache path for a key, generating the audio
// if needed. Concurrent requests for the same fingerprint are collapsed
// through singleflight so a burst of scroll readouts generates each clip
// once.
func (e *Engine) ensureArtifact(ctx context.Context, key ArtifactKey, text string) (string, error) {
	fp := key.Fingerprint()

	e.mu.Lock()
	art, ok := e.cache[fp]
	e.mu.Unlock()
	if ok {
		if _, err := os.Stat(art.Path); err == nil {
			return art.Path, nil
		}
		// File vanished under us (cache cleared externally); regenerate.
	}

	v, err, _ := e.sf.Do(fp, func() (any, error) {
		return e.generate(ctx, fp, key, text)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// generate synthesises text to the cache file for fingerprint fp. Output
// goes to a temporary path first and is renamed into place on success, so
// a crashed generator never leaves a half-written artifact behind.
func (e *Engine) generate(ctx context.Context, fp string, key ArtifactKey, text string) (string, error) {
	e.genSem <- struct{}{}
	defer func() { <-e.genSem }()

	final := filepath.Join(e.cacheDir, fp+".wav")
	if st, err := os.Stat(final); err == nil && st.Size() > 0 {
		e.index(fp, final, st.Size())
		return final, nil
	}

	err := e.runGenerator(ctx, e.cfg.Generator, e.generatorArgs(key, text), final, primaryGenTimeout)
	if err != nil && e.cfg.FallbackGenerator != "" {
		e.log.Warn().Err(err).Msg("primary tts generator failed, trying fallback")
		err = e.runGenerator(ctx, e.cfg.FallbackGenerator, []string{"--stdout", text}, final, fallbackGenTimeout)
	}
	if err != nil {
		return "", err
	}

	st, statErr := os.Stat(final)
	if statErr != nil || st.Size() == 0 {
		os.Remove(final)
		return "", fmt.Errorf("generator produced empty artifact for %s", fp)
	}
	e.index(fp, final, st.Size())
	return final, nil
}

// generatorArgs builds the primary generator invocation: text first, then
// the configured passthrough args, then the synthesis parameters.
func (e *Engine) generatorArgs(key ArtifactKey, text string) []string {
	args := []string{text}
	args = append(args, e.cfg.GeneratorArgs...)
	if key.Model != "" {
		args = append(args, "--model", key.Model)
	}
	if key.Voice != "" {
		args = append(args, "--voice", key.Voice)
	}
	if key.Style != "" {
		args = append(args, "--style", key.Style)
	}
	if key.Speed > 0 {
		args = append(args, "--speed", fmt.Sprintf("%g", key.Speed))
	}
	return args
}

// runGenerator spawns a synthesis subprocess writing WAV to stdout,
// captured into a temp file and atomically moved to final on success.
func (e *Engine) runGenerator(ctx context.Context, bin string, args []string, final string, timeout time.Duration) error {
	if bin == "" {
		return errNoGenerator
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	tmp, err := os.CreateTemp(e.cacheDir, ".gen-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()

	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Stdout = tmp
	runErr := cmd.Run()
	closeErr := tmp.Close()

	if runErr != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("generator %s: %w", bin, runErr)
	}
	if closeErr != nil {
		os.Remove(tmpPath)
		return closeErr
	}
	return os.Rename(tmpPath, final)
}

// index records a generated artifact in the in-memory cache map.
func (e *Engine) index(fp, path string, size int64) {
	e.mu.Lock()
	e.cache[fp] = Artifact{
		Path:         path,
		DurationHint: time.Duration(size/wavBytesPerSecond) * time.Second,
		GeneratedAt:  time.Now(),
	}
	e.mu.Unlock()
}
