package cfg

import (
	"os"
	"path/filepath"
	"testing"
)

func TestValidate_ValidConfig(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	Config = &Configuration{
		NodeName:     "node-1",
		DataDir:      "./test-data",
		RollbackMode: "async",
		Provider: ProviderConfiguration{
			Name: "nats",
			URL:  "nats://127.0.0.1:4222",
		},
		Cluster: ClusterConfiguration{
			Name: "test-cluster",
		},
		Logging: LoggingConfiguration{
			Format: "console",
		},
	}

	if err := Validate(); err != nil {
		t.Errorf("Expected no error for valid config, got: %v", err)
	}
}

func TestValidate_Errors(t *testing.T) {
	original := Config
	defer func() { Config = original }()

	tests := []struct {
		name   string
		mutate func(*Configuration)
	}{
		{
			name:   "empty node name",
			mutate: func(c *Configuration) { c.NodeName = "" },
		},
		{
			name:   "empty cluster name",
			mutate: func(c *Configuration) { c.Cluster.Name = "" },
		},
		{
			name:   "bad rollback mode",
			mutate: func(c *Configuration) { c.RollbackMode = "maybe" },
		},
		{
			name:   "bad logging format",
			mutate: func(c *Configuration) { c.Logging.Format = "xml" },
		},
		{
			name:   "empty provider name",
			mutate: func(c *Configuration) { c.Provider.Name = "" },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			Config = &Configuration{
				NodeName:     "node-1",
				RollbackMode: "sync",
				Provider:     ProviderConfiguration{Name: "nats"},
				Cluster:      ClusterConfiguration{Name: "c"},
			}
			tt.mutate(Config)
			if err := Validate(); err == nil {
				t.Error("expected validation error, got nil")
			}
		})
	}
}

func TestLoad_TOMLOverridesDefaults(t *testing.T) {
	original := Config
	defer func() { Config = original }()
	Config = &Configuration{
		NodeName:     "default",
		RollbackMode: "async",
		Provider:     ProviderConfiguration{Name: "nats"},
		Cluster:      ClusterConfiguration{Name: "default-cluster"},
	}

	dir := t.TempDir()
	path := filepath.Join(dir, "wsrepd.toml")
	content := `
node_name = "node-42"
rollback_mode = "sync"
initial_position = "9a6e8b9f-0000-0000-0000-000000000000:17"

[provider]
name = "nats"
url = "nats://10.0.0.1:4222"

[cluster]
name = "prod"
bootstrap = true

[sst]
method = "rsync"
before_init = true
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := Load(path); err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if Config.NodeName != "node-42" {
		t.Errorf("node_name = %q, want node-42", Config.NodeName)
	}
	if Config.RollbackMode != "sync" {
		t.Errorf("rollback_mode = %q, want sync", Config.RollbackMode)
	}
	if Config.Provider.URL != "nats://10.0.0.1:4222" {
		t.Errorf("provider.url = %q", Config.Provider.URL)
	}
	if !Config.Cluster.Bootstrap {
		t.Error("cluster.bootstrap should be true")
	}
	if !Config.SST.BeforeInit {
		t.Error("sst.before_init should be true")
	}
	if err := Validate(); err != nil {
		t.Errorf("loaded config failed validation: %v", err)
	}
}

func TestLoad_MissingFileKeepsDefaults(t *testing.T) {
	original := Config
	defer func() { Config = original }()
	Config = &Configuration{NodeName: "keep-me"}

	if err := Load(filepath.Join(t.TempDir(), "nope.toml")); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if Config.NodeName != "keep-me" {
		t.Errorf("defaults were clobbered: %q", Config.NodeName)
	}
}
