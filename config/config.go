// Package config loads the YAML configuration of the ciesign command-line
// tool.
package config

import (
	"bytes"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix of the environment variables read by the tool.
const EnvPrefix = "CIESIGN_"

// DefaultPINEnv holds the PIN when pin_env is not set.
const DefaultPINEnv = EnvPrefix + "PIN"

// Backends.
const (
	BackendMock   = "mock"
	BackendPKCS11 = "pkcs11"
)

// Config is the root of the configuration file.
type Config struct {
	Backend string         `yaml:"backend"`
	PKCS11  PKCS11Settings `yaml:"pkcs11"`
	// PINEnv is the name of the environment variable containing the PIN
	PINEnv string `yaml:"pin_env"`

	Mock       MockSettings       `yaml:"mock"`
	TSA        TSASettings        `yaml:"tsa"`
	Appearance AppearanceSettings `yaml:"appearance"`
	Verify     VerifySettings     `yaml:"verify"`

	// Listen is the address of the HTTP API started by "serve".
	Listen string `yaml:"listen"`
}

// PKCS11Settings selects the key of a PKCS#11 token.
type PKCS11Settings struct {
	// Lib is the path to the PKCS#11 library (.so/.dylib/.dll)
	Lib   string `yaml:"lib"`
	Token string `yaml:"token"`
	Key   string `yaml:"key"`
}

// MockSettings replaces the embedded mock identity.
type MockSettings struct {
	PKCS12      string `yaml:"pkcs12"`
	PasswordEnv string `yaml:"password_env"`
}

type TSASettings struct {
	URL      string `yaml:"url"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// AppearanceSettings are the defaults of a new visible signature field.
// The rectangle is expressed as fractions of the page.
type AppearanceSettings struct {
	Page     int     `yaml:"page"`
	Left     float64 `yaml:"left"`
	Bottom   float64 `yaml:"bottom"`
	Width    float64 `yaml:"width"`
	Height   float64 `yaml:"height"`
	Reason   string  `yaml:"reason"`
	Location string  `yaml:"location"`
	Name     string  `yaml:"name"`
	Image    string  `yaml:"image"`
}

type VerifySettings struct {
	// Roots is a PEM file of trusted root certificates. The system roots
	// are used when empty.
	Roots string `yaml:"roots"`
	// Online enables OCSP and CRL queries for certificates without
	// embedded revocation data.
	Online bool `yaml:"online"`
}

// Error reports an invalid configuration field.
type Error struct {
	Field   string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Backend: BackendMock,
		PINEnv:  DefaultPINEnv,
		Listen:  "127.0.0.1:8080",
	}
}

// Load reads a configuration file. Missing values take their defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a YAML configuration.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides file values with the CIESIGN_* environment
// variables that are set.
func (c *Config) ApplyEnv() {
	for name, dst := range map[string]*string{
		"BACKEND":      &c.Backend,
		"PKCS11_LIB":   &c.PKCS11.Lib,
		"PKCS11_TOKEN": &c.PKCS11.Token,
		"PKCS11_KEY":   &c.PKCS11.Key,
		"MOCK_PKCS12":  &c.Mock.PKCS12,
		"TSA_URL":      &c.TSA.URL,
		"TSA_USERNAME": &c.TSA.Username,
		"TSA_PASSWORD": &c.TSA.Password,
		"ROOTS":        &c.Verify.Roots,
		"LISTEN":       &c.Listen,
	} {
		if v, ok := os.LookupEnv(EnvPrefix + name); ok {
			*dst = v
		}
	}
}

// Validate checks that the configuration is consistent.
func (c *Config) Validate() error {
	switch c.Backend {
	case BackendMock:
	case BackendPKCS11:
		if c.PKCS11.Lib == "" {
			return &Error{Field: "pkcs11.lib", Message: "is required with the pkcs11 backend"}
		}
	default:
		return &Error{Field: "backend", Message: fmt.Sprintf("unsupported backend %q (mock or pkcs11)", c.Backend)}
	}
	if c.PINEnv == "" {
		return &Error{Field: "pin_env", Message: "must not be empty"}
	}

	a := c.Appearance
	if a.Page < 0 {
		return &Error{Field: "appearance.page", Message: "must not be negative"}
	}
	for _, f := range []struct {
		name  string
		value float64
	}{
		{"appearance.left", a.Left},
		{"appearance.bottom", a.Bottom},
		{"appearance.width", a.Width},
		{"appearance.height", a.Height},
	} {
		if f.value < 0 || f.value > 1 {
			return &Error{Field: f.name, Message: "must be a page fraction between 0 and 1"}
		}
	}
	if a.Left+a.Width > 1 || a.Bottom+a.Height > 1 {
		return &Error{Field: "appearance", Message: "rectangle exceeds the page"}
	}

	if c.TSA.URL != "" && !strings.HasPrefix(c.TSA.URL, "http://") && !strings.HasPrefix(c.TSA.URL, "https://") {
		return &Error{Field: "tsa.url", Message: "must be an http or https URL"}
	}
	if c.TSA.Password != "" && c.TSA.Username == "" {
		return &Error{Field: "tsa.username", Message: "is required with tsa.password"}
	}
	return nil
}

// PIN returns the PIN from the environment variable named by PINEnv.
func (c *Config) PIN() ([]byte, error) {
	pin := os.Getenv(c.PINEnv)
	if pin == "" {
		return nil, fmt.Errorf("environment variable %s is not set or empty", c.PINEnv)
	}
	return []byte(pin), nil
}

// MockPassword returns the password of the mock PKCS#12 file.
func (c *Config) MockPassword() string {
	if c.Mock.PasswordEnv == "" {
		return ""
	}
	return os.Getenv(c.Mock.PasswordEnv)
}

// Roots loads the trusted roots. It returns nil when none are configured.
func (c *Config) Roots() (*x509.CertPool, error) {
	if c.Verify.Roots == "" {
		return nil, nil
	}
	data, err := os.ReadFile(c.Verify.Roots)
	if err != nil {
		return nil, fmt.Errorf("failed to read roots: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(data) {
		return nil, &Error{Field: "verify.roots", Message: "no PEM certificate found"}
	}
	return pool, nil
}
