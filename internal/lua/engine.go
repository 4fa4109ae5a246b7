// Package lua runs Lua scripts as handlers for "call" commands. Every
// <name>.lua file in the scripts directory answers calls to <name>.
package lua

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"

	"pagecmd-agent/internal/core"
	"pagecmd-agent/internal/dom"
	"pagecmd-agent/internal/executor"
)

const scriptExt = ".lua"

// Executor runs one command against the document. *executor.Interpreter
// implements it.
type Executor interface {
	Exec(cmd core.Command) error
}

// Enqueuer accepts outgoing client events.
type Enqueuer interface {
	Enqueue(event any) error
}

// Options configures an Engine.
type Options struct {
	ScriptsDir string
	Timeout    time.Duration
	Registry   *executor.Registry
	Exec       Executor
	Tree       dom.Tree
	Events     Enqueuer
	Logger     *zap.Logger
}

// Engine manages the scripts directory and keeps the registry in step with
// it. Scripts run synchronously on the caller's goroutine, which for call
// handlers is the event loop, so every run is bounded by Timeout.
type Engine struct {
	scriptsDir string
	timeout    time.Duration
	registry   *executor.Registry
	exec       Executor
	tree       dom.Tree
	events     Enqueuer
	logger     *zap.Logger
}

// NewEngine creates an engine. Call Load to register the existing scripts.
func NewEngine(opts Options) *Engine {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = time.Second
	}
	return &Engine{
		scriptsDir: opts.ScriptsDir,
		timeout:    opts.Timeout,
		registry:   opts.Registry,
		exec:       opts.Exec,
		tree:       opts.Tree,
		events:     opts.Events,
		logger:     opts.Logger.Named("lua"),
	}
}

// Load registers a handler for every script in the directory and returns
// the registered call names.
func (e *Engine) Load() ([]string, error) {
	names, err := e.ScriptList()
	if err != nil {
		return nil, err
	}
	for _, name := range names {
		if err := e.register(name); err != nil {
			return nil, err
		}
	}
	e.logger.Info("scripts loaded", zap.Strings("names", names))
	return names, nil
}

func (e *Engine) register(name string) error {
	if e.registry == nil {
		return nil
	}
	return e.registry.Register(name, executor.HandlerFunc(func(args json.RawMessage) error {
		return e.Run(name, args)
	}))
}

// sanitizeFilename checks for directory traversal and ensures a valid .lua extension.
func sanitizeFilename(name string) (string, error) {
	if !strings.HasSuffix(name, scriptExt) {
		name += scriptExt
	}
	cleanName := filepath.Base(name)
	if cleanName != name || cleanName == scriptExt || strings.Contains(cleanName, "..") {
		return "", fmt.Errorf("invalid script name %q", name)
	}
	return cleanName, nil
}

// ScriptPath returns the path of the script answering calls to name.
func (e *Engine) ScriptPath(name string) (string, error) {
	cleanName, err := sanitizeFilename(name)
	if err != nil {
		return "", err
	}
	return filepath.Join(e.scriptsDir, cleanName), nil
}

// ScriptCode reads the source of a script.
func (e *Engine) ScriptCode(name string) (string, error) {
	path, err := e.ScriptPath(name)
	if err != nil {
		return "", err
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(content), nil
}

// SaveScript writes a script and registers it under its call name.
func (e *Engine) SaveScript(name, code string) error {
	path, err := e.ScriptPath(name)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(e.scriptsDir, 0755); err != nil {
		return fmt.Errorf("failed to create scripts directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(code), 0644); err != nil {
		return err
	}
	return e.register(callName(path))
}

// DeleteScript removes a script and its handler.
func (e *Engine) DeleteScript(name string) error {
	path, err := e.ScriptPath(name)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil {
		return err
	}
	if e.registry != nil {
		e.registry.Unregister(callName(path))
	}
	return nil
}

// ScriptList returns the call names of all scripts in the directory.
func (e *Engine) ScriptList() ([]string, error) {
	names := []string{}
	files, err := os.ReadDir(e.scriptsDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return names, nil
		}
		return nil, err
	}
	for _, file := range files {
		if !file.IsDir() && filepath.Ext(file.Name()) == scriptExt {
			names = append(names, callName(file.Name()))
		}
	}
	return names, nil
}

func callName(path string) string {
	return strings.TrimSuffix(filepath.Base(path), scriptExt)
}

// Run executes the script for name with args bound to the global "args".
// The file is read on every run so edits take effect immediately.
func (e *Engine) Run(name string, args json.RawMessage) error {
	code, err := e.ScriptCode(name)
	if err != nil {
		return fmt.Errorf("script %q: %w", name, err)
	}
	return e.execute(name, args, func(L *lua.LState) error {
		return L.DoString(code)
	})
}

// RunString executes a one-off chunk with the same environment as a script.
func (e *Engine) RunString(code string) error {
	return e.execute("inline", nil, func(L *lua.LState) error {
		return L.DoString(code)
	})
}

// execute is a helper to run Lua code using a fresh state and provided executor function.
func (e *Engine) execute(name string, args json.RawMessage, run func(*lua.LState) error) error {
	start := time.Now()
	e.logger.Debug("script started", zap.String("script", name))

	ctx, cancel := context.WithTimeout(context.Background(), e.timeout)
	defer cancel()

	L := lua.NewState()
	defer L.Close()
	L.SetContext(ctx)
	e.registerGoFunctions(L, name)

	argv, err := fromJSON(L, args)
	if err != nil {
		return fmt.Errorf("script %q: %w", name, err)
	}
	L.SetGlobal("args", argv)

	if err := run(L); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("script %q timed out after %s", name, e.timeout)
		} else {
			err = fmt.Errorf("script %q: %w", name, err)
		}
		e.logger.Warn("script failed", zap.String("script", name), zap.Error(err))
		return err
	}
	e.logger.Debug("script finished", zap.String("script", name), zap.Duration("took", time.Since(start)))
	return nil
}
