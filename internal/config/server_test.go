package config

import (
	"flag"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	var c ServerConfig
	c.SetDefaults()
	if c.Port != 8080 || c.MetricsAddr != ":8080" || c.LogLevel != "info" {
		t.Fatalf("defaults = %+v", c)
	}
	if c.BlobLimit != 5<<20 {
		t.Fatalf("blob limit = %d", c.BlobLimit)
	}
}

func TestPrecedence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "server.yaml")
	if err := os.WriteFile(path, []byte("port: 9000\nlog_level: debug\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	var c ServerConfig
	c.SetDefaults()
	if err := c.LoadFile(path); err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if c.Port != 9000 || c.LogLevel != "debug" {
		t.Fatalf("after file: %+v", c)
	}

	t.Setenv("PORT", "9001")
	t.Setenv("REQUEST_TIMEOUT", "30s")
	c.ApplyEnv()
	if c.Port != 9001 {
		t.Fatalf("env should override file: %+v", c)
	}
	if c.RequestTimeout != 30*time.Second {
		t.Fatalf("timeout = %v", c.RequestTimeout)
	}

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	c.BindFlags(fs)
	if err := fs.Parse([]string{"--port=9002", "--allowed-origins=https://a.example, https://b.example"}); err != nil {
		t.Fatalf("parse: %v", err)
	}
	if c.Port != 9002 {
		t.Fatalf("flag should override env: %+v", c)
	}
	if len(c.AllowedOrigins) != 2 || c.AllowedOrigins[1] != "https://b.example" {
		t.Fatalf("origins = %v", c.AllowedOrigins)
	}
}
