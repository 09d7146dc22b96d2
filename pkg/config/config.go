// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package config fills a stylize.Config from its defaults, YAML files and command-line settings.
//
// Parameters are named by their YAML keys (e.g. "style_weight"), both in the files and in the settings.
//
// Example usage:
//
//	func main() {
//		settings := config.CreateSettingsFlag("")
//		configFile := flag.String("config", "", "YAML configuration file.")
//		flag.Parse()
//		cfg := config.Default()
//		if *configFile != "" {
//			cfg, err = config.Load(*configFile)
//			...
//		}
//		paramsSet, err := config.ParseSettings(&cfg, *settings)
//		...
//		fmt.Println(config.SprintModifiedSettings(&cfg, paramsSet))
//	}
package config

import (
	"bytes"
	"encoding"
	"flag"
	"fmt"
	"os"
	"reflect"
	"slices"
	"strings"
	"time"

	"github.com/gomlx/styletransfer/pkg/ml/stylize"
	"github.com/gomlx/styletransfer/pkg/support/failures"
	"github.com/gomlx/styletransfer/pkg/support/fsutil"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Default returns the default configuration, see stylize.DefaultConfig.
func Default() stylize.Config {
	return stylize.DefaultConfig()
}

// Load a YAML configuration file. Parameters not present in the file keep their default values
// (see Default), and unknown parameters are an error.
//
// The returned configuration is validated.
func Load(filePath string) (config stylize.Config, err error) {
	config = Default()
	filePath, err = fsutil.ReplaceTildeInDir(filePath)
	if err != nil {
		return
	}
	contents, err := os.ReadFile(filePath)
	if err != nil {
		err = failures.Resource(err, "failed to read configuration from %q", filePath)
		return
	}
	decoder := yaml.NewDecoder(bytes.NewReader(contents))
	decoder.KnownFields(true)
	if err = decoder.Decode(&config); err != nil {
		err = failures.Configuration(err, "failed to parse configuration file %q", filePath)
		return
	}
	err = config.Validate()
	if err != nil {
		err = errors.WithMessagef(err, "configuration file %q", filePath)
	}
	return
}

// Save config as a YAML file, that can later be read with Load.
func Save(filePath string, config stylize.Config) error {
	filePath, err := fsutil.ReplaceTildeInDir(filePath)
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	encoder := yaml.NewEncoder(&buf)
	encoder.SetIndent(2)
	if err = encoder.Encode(&config); err != nil {
		return errors.Wrapf(err, "failed to encode configuration")
	}
	if err = encoder.Close(); err != nil {
		return errors.Wrapf(err, "failed to encode configuration")
	}
	return failures.Resource(os.WriteFile(filePath, buf.Bytes(), 0o644), "failed to save configuration to %q", filePath)
}

// Keys returns the names of the configuration parameters, in the order they are declared in stylize.Config.
func Keys() []string {
	var keys []string
	for _, field := range reflect.VisibleFields(configType) {
		if key := yamlKey(field); key != "" {
			keys = append(keys, key)
		}
	}
	return keys
}

var (
	configType          = reflect.TypeOf(stylize.Config{})
	durationType        = reflect.TypeOf(time.Duration(0))
	textUnmarshalerType = reflect.TypeOf((*encoding.TextUnmarshaler)(nil)).Elem()
)

func yamlKey(field reflect.StructField) string {
	if !field.IsExported() {
		return ""
	}
	key, _, _ := strings.Cut(field.Tag.Get("yaml"), ",")
	if key == "-" {
		return ""
	}
	return key
}

func fieldByKey(key string) (reflect.StructField, bool) {
	for _, field := range reflect.VisibleFields(configType) {
		if yamlKey(field) == key {
			return field, true
		}
	}
	return reflect.StructField{}, false
}

// ParseSettings from settings, typically the contents of a flag set by the user.
// The settings are a list separated by ";": e.g.: "style_weight=1000;max_iterations=100".
//
// Lists are separated by ",": e.g.: "style_layers=conv1_1,conv3_1". For integer parameters, "_" is removed,
// so large numbers can be entered as in Go, e.g. "max_iterations=1_000". Durations use Go's format, e.g.
// "time_limit=5m30s".
//
// A setting of the form "file:<path>" reads the settings from a file, one or more per line, where lines
// starting with "#" are comments.
//
// It updates config accordingly and returns the list of the parameters set, or an error in the
// failures.ErrConfiguration category if a parameter is unknown or its value can't be parsed.
// It doesn't validate the resulting configuration, see stylize.Config.Validate.
func ParseSettings(config *stylize.Config, settings string) (paramsSet []string, err error) {
	for _, setting := range strings.Split(settings, ";") {
		paramsSet, err = parseSetting(config, setting, paramsSet)
		if err != nil {
			return
		}
	}
	return
}

func parseSetting(config *stylize.Config, setting string, paramsSet []string) (newParamsSet []string, err error) {
	newParamsSet = paramsSet
	setting = strings.TrimSpace(setting)
	if setting == "" {
		return
	}
	if strings.HasPrefix(setting, "file:") {
		// Read parameters from a file.
		var filePath string
		filePath, err = fsutil.ReplaceTildeInDir(strings.TrimPrefix(setting, "file:"))
		if err != nil {
			return
		}
		var contents []byte
		contents, err = os.ReadFile(filePath)
		if err != nil {
			err = failures.Resource(err, "failed to read settings from file %q", filePath)
			return
		}
		for _, line := range strings.Split(string(contents), "\n") {
			line = strings.TrimSpace(line)
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			for _, setting := range strings.Split(line, ";") {
				newParamsSet, err = parseSetting(config, setting, newParamsSet)
				if err != nil {
					return
				}
			}
		}
		return
	}

	key, valueStr, found := strings.Cut(setting, "=")
	if !found {
		err = failures.Configurationf("can't parse setting %q: each setting requires the format \"<param>=<value>\"",
			setting)
		return
	}
	key, valueStr = strings.TrimSpace(key), strings.TrimSpace(valueStr)
	field, found := fieldByKey(key)
	if !found {
		err = failures.Configurationf("can't set parameter %q: unknown parameter, known parameters are %q",
			key, Keys())
		return
	}
	node := &yaml.Node{
		Kind:    yaml.MappingNode,
		Content: []*yaml.Node{{Kind: yaml.ScalarNode, Value: key}, valueNode(field.Type, valueStr)},
	}
	if err = node.Decode(config); err != nil {
		err = failures.Configuration(err, "failed to parse value %q for parameter %q (type %s)",
			valueStr, key, field.Type)
		return
	}
	newParamsSet = append(newParamsSet, key)
	return
}

// valueNode converts the string representation of a setting to a YAML node that decodes to type t.
func valueNode(t reflect.Type, value string) *yaml.Node {
	if t.Kind() == reflect.Slice {
		seq := &yaml.Node{Kind: yaml.SequenceNode}
		if value != "" {
			for _, part := range strings.Split(value, ",") {
				seq.Content = append(seq.Content, valueNode(t.Elem(), strings.TrimSpace(part)))
			}
		}
		return seq
	}
	node := &yaml.Node{Kind: yaml.ScalarNode, Value: value}
	switch {
	case t == durationType || reflect.PointerTo(t).Implements(textUnmarshalerType) || t.Kind() == reflect.String:
		node.Tag = "!!str"
	case t.Kind() >= reflect.Int && t.Kind() <= reflect.Uint64:
		node.Value = strings.ReplaceAll(value, "_", "")
	}
	return node
}

// CreateSettingsFlag creates a string flag with the given flagName (if empty it will be named "set")
// and with a description of the parameters and their default values.
//
// The flag should be created before the call to `flag.Parse()`.
func CreateSettingsFlag(flagName string) *string {
	if flagName == "" {
		flagName = "set"
	}
	defaults := Default()
	usage := `Set configuration parameters. ` +
		`It should be a list of elements "param=value" separated by ";", lists are separated by ",". ` +
		`It can also be given an entry like: "file:settings_file.txt", in ` +
		`which case the file will be read and the settings will be parsed, ` +
		`with new-lines working as ";" to separate settings and lines starting with "#" are considered comments. ` +
		"Current available parameters that can be set:\n" + SprintSettings(&defaults)
	var settings string
	flag.StringVar(&settings, flagName, "", usage)
	return &settings
}

// SprintSettings pretty-prints all the parameters of config into a string.
func SprintSettings(config *stylize.Config) string {
	return sprintKeys(config, Keys())
}

// SprintModifiedSettings pretty-prints the values of the parameters set (as returned by ParseSettings).
func SprintModifiedSettings(config *stylize.Config, paramsSet []string) string {
	paramsSet = slices.Clone(paramsSet)
	slices.Sort(paramsSet)
	return sprintKeys(config, slices.Compact(paramsSet))
}

func sprintKeys(config *stylize.Config, keys []string) string {
	value := reflect.ValueOf(config).Elem()
	var parts []string
	for _, key := range keys {
		field, found := fieldByKey(key)
		if !found {
			continue
		}
		fieldValue := value.FieldByIndex(field.Index).Interface()
		if d, ok := fieldValue.(time.Duration); ok && d == 0 {
			fieldValue = "none"
		}
		parts = append(parts, fmt.Sprintf("\t%q: %v", key, fieldValue))
	}
	return strings.Join(parts, "\n")
}
