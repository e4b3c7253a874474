package config

import "testing"

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.StateStoreMode != StateStorePersistence {
		t.Errorf("StateStoreMode = %q, want %q", cfg.StateStoreMode, StateStorePersistence)
	}
	if cfg.BufferSize != 1000 {
		t.Errorf("BufferSize = %d, want 1000", cfg.BufferSize)
	}
	if cfg.BufferOverflowPolicy != DropTail {
		t.Errorf("BufferOverflowPolicy = %q, want %q", cfg.BufferOverflowPolicy, DropTail)
	}
	if cfg.HandoffTimeout.Seconds() != 5 {
		t.Errorf("HandoffTimeout = %v, want 5s", cfg.HandoffTimeout)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{
			name:    "valid defaults",
			mutate:  func(c *Config) {},
			wantErr: false,
		},
		{
			name: "override role with proxy only",
			mutate: func(c *Config) {
				c.CoordinatorSingletonOverrideRole = true
				c.ProxyOnly = true
			},
			wantErr: true,
		},
		{
			name: "ddata with zero min cap",
			mutate: func(c *Config) {
				c.StateStoreMode = StateStoreDData
				c.MajorityMinCap = 0
			},
			wantErr: true,
		},
		{
			name: "unknown overflow policy",
			mutate: func(c *Config) {
				c.BufferOverflowPolicy = "bogus"
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load("")
			if err != nil {
				t.Fatalf("Load() error = %v", err)
			}
			tt.mutate(cfg)

			err = cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
