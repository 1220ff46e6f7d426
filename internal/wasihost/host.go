/*
   Copyright The WSandbox Authors.

   Licensed under the Apache License, Version 2.0 (the "License");
   you may not use this file except in compliance with the License.
   You may obtain a copy of the License at

       http://www.apache.org/licenses/LICENSE-2.0

   Unless required by applicable law or agreed to in writing, software
   distributed under the License is distributed on an "AS IS" BASIS,
   WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
   See the License for the specific language governing permissions and
   limitations under the License.
*/

package wasihost

import (
	crand "crypto/rand"
	"io"
	"math/rand"

	"github.com/tetratelabs/wazero"

	"github.com/wsandbox/sandbox/internal/fd"
	"github.com/wsandbox/sandbox/internal/vfs"
)

// LimitedWriter caps how many bytes it will pass through to an
// underlying writer, then silently discards the rest while still
// reporting the full count to the caller. This mirrors a real pipe
// that keeps accepting writes after the reader has stopped consuming,
// while bounding the memory a single spawn's captured stdout/stderr
// can use.
type LimitedWriter struct {
	dst       io.Writer
	limit     int
	kept      int
	written   int64
	truncated bool
}

// NewLimitedWriter wraps dst, allowing at most limit bytes through. A
// non-positive limit means unlimited.
func NewLimitedWriter(dst io.Writer, limit int) *LimitedWriter {
	return &LimitedWriter{dst: dst, limit: limit}
}

func (w *LimitedWriter) Write(p []byte) (int, error) {
	w.written += int64(len(p))
	if w.limit <= 0 {
		return w.dst.Write(p)
	}
	remaining := w.limit - w.kept
	if remaining <= 0 {
		w.truncated = true
		return len(p), nil
	}
	chunk := p
	if len(chunk) > remaining {
		chunk = chunk[:remaining]
		w.truncated = true
	}
	n, err := w.dst.Write(chunk)
	w.kept += n
	if err != nil {
		return 0, err
	}
	return len(p), nil
}

// Truncated reports whether any bytes were dropped.
func (w *LimitedWriter) Truncated() bool { return w.truncated }

// Written reports the full logical byte count offered to Write, even
// bytes that were dropped once the limit was hit.
func (w *LimitedWriter) Written() int64 { return w.written }

// Config bundles everything needed to instantiate one guest module run.
type Config struct {
	Args   []string
	Env    map[string]string
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
	FS     *vfs.VFS
	FDs    *fd.Table
	// RandSeed seeds a deterministic PRNG used for the guest's random_get
	// import when non-zero; otherwise random_get reads crypto/rand.
	RandSeed int64
}

// BuildModuleConfig assembles the wazero.ModuleConfig for one spawn,
// binding c.FS as the guest's root preopen and piping stdio through
// byte-limited writers supplied by the caller (the process manager owns
// the limits; this package only wires whatever it's given).
func BuildModuleConfig(c Config) wazero.ModuleConfig {
	mc := wazero.NewModuleConfig().
		WithArgs(c.Args...).
		WithFS(NewRootFS(c.FS, c.FDs)).
		WithStdout(c.Stdout).
		WithStderr(c.Stderr).
		WithSysWalltime().
		WithSysNanotime()

	if c.Stdin != nil {
		mc = mc.WithStdin(c.Stdin)
	}
	for k, v := range c.Env {
		mc = mc.WithEnv(k, v)
	}
	if c.RandSeed != 0 {
		src := rand.New(rand.NewSource(c.RandSeed))
		mc = mc.WithRandSource(src)
	} else {
		mc = mc.WithRandSource(crand.Reader)
	}
	return mc
}
