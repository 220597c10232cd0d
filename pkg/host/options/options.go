/*
Copyright 2025 The Drasi Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package options carries the service configuration of the test run host:
// flags with environment-variable defaults, optionally seeded from a YAML
// config file. Flags set explicitly on the command line win over the file.
package options

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"

	yaml "gopkg.in/yaml.v2"
)

type Options struct {
	StoragePath   string `json:"storagePath" yaml:"storagePath"`
	DeleteOnStart bool   `json:"deleteOnStart" yaml:"deleteOnStart"`
	DeleteOnStop  bool   `json:"deleteOnStop" yaml:"deleteOnStop"`
	LogLevel      string `json:"logLevel" yaml:"logLevel"`
	ConfigFile    string `json:"-" yaml:"-"`

	setFlags map[string]bool
}

func (o *Options) AddFlags(fs *flag.FlagSet) {
	fs.StringVar(&o.StoragePath, "storage-path", WithDefaultString("STORAGE_PATH", "./test_data"), "Root directory for test run artifacts.")
	fs.BoolVar(&o.DeleteOnStart, "delete-on-start", WithDefaultBool("DELETE_ON_START", false), "Delete the storage root before starting.")
	fs.BoolVar(&o.DeleteOnStop, "delete-on-stop", WithDefaultBool("DELETE_ON_STOP", false), "Delete the storage root on shutdown.")
	fs.StringVar(&o.LogLevel, "log-level", WithDefaultString("LOG_LEVEL", "info"), "Log level: debug, info, warn, error.")
	fs.StringVar(&o.ConfigFile, "config", WithDefaultString("CONFIG_FILE", ""), "Optional YAML config file; explicit flags win over it.")
}

func (o *Options) Parse(fs *flag.FlagSet, args ...string) error {
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("parsing flags, %w", err)
	}

	o.setFlags = map[string]bool{}
	fs.Visit(func(f *flag.Flag) {
		o.setFlags[f.Name] = true
	})

	if o.ConfigFile != "" {
		if err := o.applyConfigFile(); err != nil {
			return err
		}
	}
	if err := o.Validate(); err != nil {
		return fmt.Errorf("validating options, %w", err)
	}
	return nil
}

// applyConfigFile overlays file values onto flags the user did not set.
func (o *Options) applyConfigFile() error {
	data, err := os.ReadFile(o.ConfigFile)
	if err != nil {
		return fmt.Errorf("reading config file %q: %w", o.ConfigFile, err)
	}
	var fromFile Options
	if err := yaml.Unmarshal(data, &fromFile); err != nil {
		return fmt.Errorf("parsing config file %q: %w", o.ConfigFile, err)
	}

	if !o.setFlags["storage-path"] && fromFile.StoragePath != "" {
		o.StoragePath = fromFile.StoragePath
	}
	if !o.setFlags["delete-on-start"] {
		o.DeleteOnStart = o.DeleteOnStart || fromFile.DeleteOnStart
	}
	if !o.setFlags["delete-on-stop"] {
		o.DeleteOnStop = o.DeleteOnStop || fromFile.DeleteOnStop
	}
	if !o.setFlags["log-level"] && fromFile.LogLevel != "" {
		o.LogLevel = fromFile.LogLevel
	}
	return nil
}

func (o *Options) Validate() error {
	if o.StoragePath == "" {
		return fmt.Errorf("storage-path must not be empty")
	}
	switch o.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level %q", o.LogLevel)
	}
	return nil
}

func (o *Options) String() string {
	data, err := json.Marshal(o)
	if err != nil {
		return "couldn't marshal options JSON"
	}
	return string(data)
}
