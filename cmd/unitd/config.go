package main

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

type config struct {
	Listen      string   `yaml:"listen"`
	AdminListen string   `yaml:"admin_listen"`
	UnitPaths   []string `yaml:"unit_paths"`
	Target      string   `yaml:"target"`
	MaxJobs     int      `yaml:"max_jobs"`
	CgroupRoot  string   `yaml:"cgroup_root"`

	TLS tlsFiles  `yaml:"tls"`
	Log logConfig `yaml:"log"`
}

type tlsFiles struct {
	Insecure   bool   `yaml:"insecure"`
	CertPath   string `yaml:"cert_path"`
	KeyPath    string `yaml:"key_path"`
	CACertPath string `yaml:"ca_cert_path"`
}

type logConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`

	// File enables writing to a rotated log file instead of stderr.
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

func defaultConfig() *config {
	return &config{
		Listen:      "localhost:8443",
		AdminListen: "localhost:9090",
		UnitPaths:   []string{"/etc/unitd/units"},
		MaxJobs:     4096,
		TLS: tlsFiles{
			CertPath:   "certs/server.crt",
			KeyPath:    "certs/server.key",
			CACertPath: "certs/ca.crt",
		},
		Log: logConfig{
			Level:      "info",
			Format:     "text",
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
	}
}

func (c *config) bindFlags(fs *pflag.FlagSet) {
	fs.StringVar(&c.Listen, "listen", c.Listen, "gRPC listen address")
	fs.StringVar(&c.AdminListen, "admin-listen", c.AdminListen, "Admin HTTP listen address, empty to disable")
	fs.StringSliceVar(&c.UnitPaths, "unit-path", c.UnitPaths, "Unit file or directory, repeatable")
	fs.StringVar(&c.Target, "target", c.Target, "Unit to start once units are loaded")
	fs.IntVar(&c.MaxJobs, "max-jobs", c.MaxJobs, "Maximum number of live jobs, 0 for no limit")
	fs.StringVar(&c.CgroupRoot, "cgroup-root", c.CgroupRoot, "cgroup v2 root for resource limits, empty to disable")

	fs.BoolVar(&c.TLS.Insecure, "insecure", c.TLS.Insecure, "Serve without TLS and authorisation")
	fs.StringVar(&c.TLS.CertPath, "cert-path", c.TLS.CertPath, "Path to server TLS certificate")
	fs.StringVar(&c.TLS.KeyPath, "key-path", c.TLS.KeyPath, "Path to server TLS private key")
	fs.StringVar(&c.TLS.CACertPath, "ca-cert-path", c.TLS.CACertPath, "Path to CA certificate for mTLS")

	fs.StringVar(&c.Log.Level, "log-level", c.Log.Level, "Log level: debug, info, warn or error")
	fs.StringVar(&c.Log.Format, "log-format", c.Log.Format, "Log format: text or json")
	fs.StringVar(&c.Log.File, "log-file", c.Log.File, "Write logs to a rotated file instead of stderr")
}

// loadFile reads the YAML file at path into c. Flags set on the command
// line keep their value.
func (c *config) loadFile(path string, fs *pflag.FlagSet) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	type setFlag struct {
		flag  *pflag.Flag
		value string
		slice []string
	}

	var set []setFlag

	fs.Visit(func(f *pflag.Flag) {
		s := setFlag{flag: f, value: f.Value.String()}
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			s.slice = sv.GetSlice()
		}

		set = append(set, s)
	})

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	for _, s := range set {
		if sv, ok := s.flag.Value.(pflag.SliceValue); ok {
			err = sv.Replace(s.slice)
		} else {
			err = s.flag.Value.Set(s.value)
		}

		if err != nil {
			return fmt.Errorf("reapply flag %s: %w", s.flag.Name, err)
		}
	}

	return nil
}

func (c *config) validate() error {
	if err := validateAddr("listen", c.Listen); err != nil {
		return err
	}

	if c.AdminListen != "" {
		if err := validateAddr("admin-listen", c.AdminListen); err != nil {
			return err
		}
	}

	if c.MaxJobs < 0 {
		return errors.New("max-jobs cannot be negative")
	}

	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("unknown log format %q", c.Log.Format)
	}

	if _, err := parseLevel(c.Log.Level); err != nil {
		return err
	}

	if c.TLS.Insecure {
		return nil
	}

	for _, f := range []struct{ name, path string }{
		{"cert-path", c.TLS.CertPath},
		{"key-path", c.TLS.KeyPath},
		{"ca-cert-path", c.TLS.CACertPath},
	} {
		if f.path == "" {
			return fmt.Errorf("%s cannot be empty", f.name)
		}

		if _, err := os.Stat(f.path); err != nil {
			return fmt.Errorf("failed to stat %s: %w", f.name, err)
		}
	}

	return nil
}

func validateAddr(name, addr string) error {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}

	port, err := strconv.Atoi(portStr)
	if err != nil {
		return fmt.Errorf("%s port string to number: %w", name, err)
	}

	// Port 0 picks a free port.
	if port < 0 || port > 65535 {
		return fmt.Errorf("%s port must be in valid range", name)
	}

	return nil
}
