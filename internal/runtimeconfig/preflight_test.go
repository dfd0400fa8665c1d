package runtimeconfig

import (
	"errors"
	"testing"
)

func boolPtr(b bool) *bool { return &b }

func TestPreflightCheckEnvironment(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	tests := []struct {
		name    string
		cfg     *Config
		wantErr bool
	}{
		{
			name:    "development with dry run passes",
			cfg:     &Config{Environment: EnvDevelopment, DryRun: true},
			wantErr: false,
		},
		{
			name:    "development without dry run blocked",
			cfg:     &Config{Environment: EnvDevelopment, DryRun: false},
			wantErr: true,
		},
		{
			name:    "test without dry run blocked",
			cfg:     &Config{Environment: EnvTest, DryRun: false},
			wantErr: true,
		},
		{
			name:    "production without dry run passes",
			cfg:     &Config{Environment: EnvProduction, DryRun: false},
			wantErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewPreflight(tt.cfg)

			err := p.CheckEnvironment()
			if tt.wantErr && !errors.Is(err, ErrPreflightBlocked) {
				t.Errorf("CheckEnvironment() = %v, want ErrPreflightBlocked", err)
			}

			if !tt.wantErr && err != nil {
				t.Errorf("CheckEnvironment() unexpected error: %v", err)
			}
		})
	}
}

func TestPreflightCheckAPIHost(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	cfg := &Config{
		Environment:        EnvDevelopment,
		DryRun:             true,
		ProductionAPIHosts: []string{"tektonresearch.clinicalconductor.com"},
	}
	p := NewPreflight(cfg)

	if err := p.CheckAPIHost("https://tektonresearch.clinicalconductor.com/ccsweb"); !errors.Is(err, ErrPreflightBlocked) {
		t.Errorf("CheckAPIHost() = %v, want ErrPreflightBlocked for production host in dev", err)
	}

	if err := p.CheckAPIHost("https://staging.example.com"); err != nil {
		t.Errorf("CheckAPIHost() unexpected error for non-production host: %v", err)
	}

	prodCfg := &Config{Environment: EnvProduction, ProductionAPIHosts: cfg.ProductionAPIHosts}
	prodPreflight := NewPreflight(prodCfg)

	if err := prodPreflight.CheckAPIHost("https://tektonresearch.clinicalconductor.com/ccsweb"); err != nil {
		t.Errorf("CheckAPIHost() unexpected error in production: %v", err)
	}
}

func TestPreflightCheckDatabaseWrite(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	p := NewPreflight(&Config{DryRun: true})

	if err := p.CheckDatabaseWrite(nil); !errors.Is(err, ErrPreflightBlocked) {
		t.Errorf("CheckDatabaseWrite(nil) = %v, want ErrPreflightBlocked", err)
	}

	if err := p.CheckDatabaseWrite(boolPtr(false)); err != nil {
		t.Errorf("CheckDatabaseWrite(false) unexpected error: %v", err)
	}
}

func TestPreflightCheck(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	p := NewPreflight(&Config{Environment: EnvProduction, DryRun: false})

	err := p.Check(Options{
		AllowNetwork: true,
		AllowDBWrite: true,
		BaseURL:      "https://tektonresearch.clinicalconductor.com",
	})
	if err != nil {
		t.Errorf("Check() unexpected error: %v", err)
	}
}
