package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
)

func TestDefaultsApply(t *testing.T) {
	c := New(Defaults())
	if c.GetInt("tracker.port") != 6000 {
		t.Fatalf("expected default tracker.port 6000, got %d", c.GetInt("tracker.port"))
	}
}

func TestLayerPrecedenceArgsOverrideDefaults(t *testing.T) {
	c := New(Defaults())
	if err := c.ApplyArgs([]string{"--tracker.port=9999"}); err != nil {
		t.Fatalf("ApplyArgs: %v", err)
	}
	if c.GetInt("tracker.port") != 9999 {
		t.Fatalf("expected arg override to win, got %d", c.GetInt("tracker.port"))
	}
}

func TestApplyArgsRejectsMalformed(t *testing.T) {
	c := New(Defaults())
	if err := c.ApplyArgs([]string{"--no-equals-sign"}); err == nil {
		t.Fatalf("expected error for malformed argument")
	}
}

func TestLoadFileMergesYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("tracker:\n  port: 7777\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	c := New(Defaults())
	if err := c.LoadFile(path); err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if c.GetInt("tracker.port") != 7777 {
		t.Fatalf("expected file value 7777, got %d", c.GetInt("tracker.port"))
	}
}

func TestLoadFileMissingIsNotError(t *testing.T) {
	c := New(Defaults())
	if err := c.LoadFile(filepath.Join(t.TempDir(), "missing.yaml")); err != nil {
		t.Fatalf("expected missing file to be ignored, got %v", err)
	}
}

func TestBindEnvPrefixTransform(t *testing.T) {
	t.Setenv("P2P_TRACKER_PORT", "5555")
	c := New(Defaults())
	c.BindEnv()
	if c.GetInt("tracker.port") != 5555 {
		t.Fatalf("expected env override 5555, got %d", c.GetInt("tracker.port"))
	}
}

func TestParseEnvKey(t *testing.T) {
	key, ok := ParseEnvKey("P2P_TRACKER_PORT")
	if !ok || key != "tracker.port" {
		t.Fatalf("expected tracker.port, got %q ok=%v", key, ok)
	}
	if _, ok := ParseEnvKey("OTHER_VAR"); ok {
		t.Fatalf("expected non-prefixed var to be rejected")
	}
}

func TestValidatePortBoundaries(t *testing.T) {
	if err := ValidatePort(0); err == nil {
		t.Fatalf("expected port 0 to be rejected")
	}
	if err := ValidatePort(65536); err == nil {
		t.Fatalf("expected port 65536 to be rejected")
	}
	if err := ValidatePort(1); err != nil {
		t.Fatalf("expected port 1 to be valid: %v", err)
	}
	if err := ValidatePort(65535); err != nil {
		t.Fatalf("expected port 65535 to be valid: %v", err)
	}
}

func TestRegisterValidatorAndValidate(t *testing.T) {
	c := New(Defaults())
	c.RegisterValidator("tracker.port", func(v *viper.Viper) error {
		if v.GetInt("tracker.port") <= 0 {
			return errInvalidPort
		}
		return nil
	})
	if errs := c.Validate(); len(errs) != 0 {
		t.Fatalf("expected no violations for valid default, got %v", errs)
	}

	c2 := New(map[string]any{"tracker.port": -1})
	c2.RegisterValidator("tracker.port", func(v *viper.Viper) error {
		if v.GetInt("tracker.port") <= 0 {
			return errInvalidPort
		}
		return nil
	})
	if errs := c2.Validate(); len(errs) != 1 {
		t.Fatalf("expected 1 violation, got %v", errs)
	}
}

var errInvalidPort = &portError{}

type portError struct{}

func (*portError) Error() string { return "invalid port" }

func TestFindAvailablePort(t *testing.T) {
	port, err := FindAvailablePort(40000)
	if err != nil {
		t.Fatalf("FindAvailablePort: %v", err)
	}
	if port < 40000 {
		t.Fatalf("expected port >= base, got %d", port)
	}
}
