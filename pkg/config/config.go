package config

import (
	"fmt"
	"os"

	"github.com/ghodss/yaml"
	"github.com/spf13/afero"

	"github.com/sidkik/dirmirror/pkg/errors"
)

// ParseError is returned when a config file isn't valid YAML, or has fields
// of the wrong type or fields that dirmirror doesn't know about.
type ParseError struct {
	Path string
	Err  error
}

func (err ParseError) Error() string {
	return fmt.Sprintf("parse %s: %s", err.Path, err.Err)
}

// FriendlyMessage implements the interface used by GetPrintableMessage. The
// YAML library's errors don't say where in the file the problem is, so the
// parser's message is passed along as-is.
func (err ParseError) FriendlyMessage() string {
	return fmt.Sprintf("The config file %q could not be parsed.\n"+
		"Check that every field has the right type, and that there are no "+
		"misspelled or extra fields.\n\n"+
		"The parser reported: %s", err.Path, err.Err)
}

func (err ParseError) Unwrap() error {
	return err.Err
}

// VersionError is returned when a config file was written for a different
// version of the config format.
type VersionError struct {
	Path, Expected, Actual string
}

func (err VersionError) Error() string {
	return fmt.Sprintf("%s: expected config version %q, got %q", err.Path, err.Expected, err.Actual)
}

// FriendlyMessage implements the interface used by GetPrintableMessage.
func (err VersionError) FriendlyMessage() string {
	return fmt.Sprintf("The config file %q was written for a different "+
		"version of dirmirror.\nExpected version %q, but got %q. "+
		"Run `dirmirror config` to recreate it.", err.Path, err.Expected, err.Actual)
}

// versionHeader is the part of every config file that's readable regardless
// of version.
type versionHeader struct {
	Version string `json:"version"`
}

// readVersioned decodes the YAML file at `path` into `out`. If the file
// doesn't set a version, `defaultVersion` is assumed. Version mismatches are
// reported before unknown fields, since a file from another version is
// expected to have different fields.
func readVersioned(path, defaultVersion, expVersion string, out interface{}) error {
	contents, err := afero.ReadFile(fs, path)
	if err != nil {
		if os.IsNotExist(err) {
			return errors.FileNotFound{Path: path}
		}
		return errors.WithContext(err, "read")
	}

	header := versionHeader{Version: defaultVersion}
	if err := yaml.Unmarshal(contents, &header); err != nil {
		return ParseError{Path: path, Err: err}
	}
	if header.Version != expVersion {
		return VersionError{Path: path, Expected: expVersion, Actual: header.Version}
	}

	if err := yaml.UnmarshalStrict(contents, out, yaml.DisallowUnknownFields); err != nil {
		return ParseError{Path: path, Err: err}
	}
	return nil
}
