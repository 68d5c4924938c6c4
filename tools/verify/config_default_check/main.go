//go:build ignore

// config_default_check verifies config.Load's three-layer precedence
// (defaults, then config.yaml, then DOCREVIEW_* environment overrides) and
// the Watcher's hot-reload notification.
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/docreview/docreview/internal/config"
)

func main() {
	ok := true
	assertTrue := func(name string, got bool) {
		fmt.Printf("%s=%v\n", name, got)
		if !got {
			ok = false
		}
	}

	dir, err := os.MkdirTemp("", "docreview-config-verify-*")
	if err != nil {
		fmt.Printf("mktemp_error=%v\n", err)
		os.Exit(1)
	}
	defer os.RemoveAll(dir)
	os.Setenv("DOCREVIEW_HOME", dir)
	defer os.Unsetenv("DOCREVIEW_HOME")

	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("load_defaults_error=%v\n", err)
		os.Exit(1)
	}
	assertTrue("needs_genesis_on_first_run", cfg.NeedsGenesis)
	assertTrue("default_worker_pool_size_20", cfg.Worker.WorkerPoolSize == 20)
	assertTrue("default_ai_provider_anthropic", cfg.AI.Provider == "anthropic")

	configYAML := "worker:\n  worker_pool_size: 7\nai:\n  provider: mock\n"
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(configYAML), 0o644); err != nil {
		fmt.Printf("write_config_error=%v\n", err)
		os.Exit(1)
	}
	cfg, err = config.Load()
	if err != nil {
		fmt.Printf("load_file_error=%v\n", err)
		os.Exit(1)
	}
	assertTrue("config_yaml_overrides_pool_size", cfg.Worker.WorkerPoolSize == 7)
	assertTrue("config_yaml_overrides_provider", cfg.AI.Provider == "mock")
	assertTrue("needs_genesis_false_once_present", !cfg.NeedsGenesis)

	os.Setenv("DOCREVIEW_WORKER_POOL_SIZE", "3")
	defer os.Unsetenv("DOCREVIEW_WORKER_POOL_SIZE")
	cfg, err = config.Load()
	if err != nil {
		fmt.Printf("load_env_error=%v\n", err)
		os.Exit(1)
	}
	assertTrue("env_overrides_config_yaml", cfg.Worker.WorkerPoolSize == 3)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	watcher := config.NewWatcher(dir, nil)
	if err := watcher.Start(ctx); err != nil {
		fmt.Printf("watcher_start_error=%v\n", err)
		os.Exit(1)
	}
	time.Sleep(100 * time.Millisecond)
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(configYAML+"\n"), 0o644); err != nil {
		fmt.Printf("rewrite_config_error=%v\n", err)
		os.Exit(1)
	}
	select {
	case ev, chOk := <-watcher.Events():
		assertTrue("watcher_event_channel_open", chOk)
		fmt.Printf("reload_event_path=%s\n", ev.Path)
	case <-time.After(3 * time.Second):
		fmt.Println("watcher_event_timeout=true")
		ok = false
	}

	if !ok {
		fmt.Println("VERDICT FAIL")
		os.Exit(1)
	}
	fmt.Println("VERDICT PASS")
}
