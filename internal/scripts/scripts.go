// Package scripts loads the server-side script bundle and registers it
// with the redis script cache.
//
// The bundle is a fixed set of named .lua files living in a directory
// resolved at client creation time. The files are an opaque, versioned
// asset; this package only reads them, obtains their SHA via SCRIPT LOAD
// and hands (sha, source) pairs to the ops layer.
package scripts

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/go-redis/redis/v8"
	"github.com/not-empty/omniq-go/internal/errors"
)

// EnvScriptsDir is the environment variable that overrides the scripts
// directory resolution.
const EnvScriptsDir = "OMNIQ_SCRIPTS_DIR"

// defaultRelDir is the bundle location relative to the package root.
const defaultRelDir = "dist/core/scripts"

// Names is the fixed set of scripts every client loads. A missing file
// for any of these fails client creation.
var Names = []string{
	"enqueue",
	"reserve",
	"heartbeat",
	"ack_success",
	"ack_fail",
	"promote_delayed",
	"reap_expired",
	"pause",
	"resume",
	"retry_failed",
	"retry_failed_batch",
	"remove_job",
	"remove_jobs_batch",
	"childs_init",
	"child_ack",
}

// Script holds one registered script.
type Script struct {
	Name string
	SHA  string
	Src  string
}

// Bundle is the loaded, registered script set. Immutable after Load.
type Bundle struct {
	dir     string
	scripts map[string]*Script
}

// Dir returns the directory the bundle was loaded from.
func (b *Bundle) Dir() string { return b.dir }

// Get returns the script registered under the given name.
// It panics on an unknown name; the set of names is fixed at compile time
// and a miss is a programming error.
func (b *Bundle) Get(name string) *Script {
	s, ok := b.scripts[name]
	if !ok {
		panic(fmt.Sprintf("scripts: unknown script %q", name))
	}
	return s
}

// ResolveDir returns the scripts directory. The environment override wins;
// otherwise the directory tree is walked upward from this package's own
// source location until a package root carrying dist/core/scripts is
// found.
func ResolveDir() (string, error) {
	if dir := os.Getenv(EnvScriptsDir); dir != "" {
		info, err := os.Stat(dir)
		if err != nil || !info.IsDir() {
			return "", errors.E(errors.Config, fmt.Sprintf("scripts dir %q from %s is not a directory", dir, EnvScriptsDir))
		}
		return dir, nil
	}
	_, file, _, ok := runtime.Caller(0)
	if !ok {
		return "", errors.E(errors.Config, "cannot locate package root: no caller information")
	}
	for dir := filepath.Dir(file); ; dir = filepath.Dir(dir) {
		candidate := filepath.Join(dir, defaultRelDir)
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			return candidate, nil
		}
		if filepath.Dir(dir) == dir {
			return "", errors.E(errors.Config, fmt.Sprintf("cannot locate %s above %s", defaultRelDir, filepath.Dir(file)))
		}
	}
}

// Load reads every named script from dir and registers it with the given
// redis client via SCRIPT LOAD. Any missing or unreadable file is a
// configuration error and fails client creation.
func Load(ctx context.Context, client redis.UniversalClient, dir string) (*Bundle, error) {
	var op errors.Op = "scripts.Load"
	b := &Bundle{dir: dir, scripts: make(map[string]*Script, len(Names))}
	for _, name := range Names {
		path := filepath.Join(dir, name+".lua")
		src, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.E(op, errors.Config, fmt.Sprintf("cannot read script %s: %v", path, err))
		}
		sha, err := client.ScriptLoad(ctx, string(src)).Result()
		if err != nil {
			return nil, errors.E(op, errors.Unknown, fmt.Sprintf("script load failed for %s: %v", name, err))
		}
		b.scripts[name] = &Script{Name: name, SHA: sha, Src: string(src)}
	}
	return b, nil
}
