package config

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/ghodss/yaml"
	homedir "github.com/mitchellh/go-homedir"
	"github.com/spf13/afero"

	"github.com/sidkik/dirmirror/pkg/errors"
)

const (
	// MirrorConfigPath is the default path to the mirror config.
	MirrorConfigPath = "~/.dirmirror.yaml"

	// DefaultLogFile is where events are logged if the config doesn't say
	// otherwise.
	DefaultLogFile = "~/.dirmirror/dirmirror.log"

	// DefaultIntervalMinutes is the interval suggested by `dirmirror config`.
	DefaultIntervalMinutes = 5

	// InitialMirrorConfigVersion is the version assumed for config files that
	// don't specify one.
	InitialMirrorConfigVersion = "v1alpha1"

	// SupportedMirrorConfigVersion is the config version understood by this
	// binary.
	SupportedMirrorConfigVersion = "v1alpha1"
)

// Mirror describes a source directory that's mirrored into a replica
// directory.
type Mirror struct {
	Version         string `json:"version,omitempty"`
	Source          string `json:"source"`
	Replica         string `json:"replica"`
	IntervalMinutes int    `json:"intervalMinutes"`
	LogFile         string `json:"logFile,omitempty"`
	Watch           bool   `json:"watch,omitempty"`
}

// homedirExpand will be overridden in mock tests
var homedirExpand = homedir.Expand

// ParseMirror parses the mirror config stored at the default path. Relative
// paths in the config are resolved relative to the config file.
func ParseMirror() (Mirror, error) {
	path, err := GetMirrorConfigPath()
	if err != nil {
		return Mirror{}, errors.WithContext(err, "expand config path")
	}

	config := Mirror{Version: InitialMirrorConfigVersion}
	err = readVersioned(path, InitialMirrorConfigVersion, SupportedMirrorConfigVersion, &config)
	if err != nil {
		if _, ok := err.(errors.FileNotFound); ok {
			return Mirror{}, errors.NewFriendlyError("The dirmirror config "+
				"file doesn't exist at %q. Please run `dirmirror config` "+
				"or pass the source and replica directories on the command line.", path)
		}
		return Mirror{}, errors.WithContext(err, "parse")
	}

	if config.LogFile == "" {
		config.LogFile = DefaultLogFile
	}

	configDir := filepath.Dir(path)
	for _, field := range []*string{&config.Source, &config.Replica, &config.LogFile} {
		if *field == "" {
			continue
		}

		expanded, err := resolvePath(*field, configDir)
		if err != nil {
			return Mirror{}, errors.WithContext(err, "expand path")
		}
		*field = expanded
	}
	return config, nil
}

// WriteMirror writes the given mirror config to the default path.
func WriteMirror(cfg Mirror) error {
	cfg.Version = SupportedMirrorConfigVersion
	path, err := GetMirrorConfigPath()
	if err != nil {
		return errors.WithContext(err, "expand config path")
	}

	yamlBytes, err := yaml.Marshal(cfg)
	if err != nil {
		return errors.WithContext(err, "marshal")
	}

	if err := afero.WriteFile(fs, path, yamlBytes, 0644); err != nil {
		return errors.WithContext(err, "write")
	}
	return nil
}

// GetMirrorConfigPath returns the expanded path to the mirror config.
func GetMirrorConfigPath() (string, error) {
	return homedirExpand(MirrorConfigPath)
}

// ExpandPath expands a leading `~` and makes `path` absolute relative to the
// working directory.
func ExpandPath(path string) (string, error) {
	wd, err := getwd()
	if err != nil {
		return "", errors.WithContext(err, "get working directory")
	}
	return resolvePath(path, wd)
}

func resolvePath(path, relativeTo string) (string, error) {
	path, err := homedirExpand(path)
	if err != nil {
		return "", err
	}

	if !filepath.IsAbs(path) {
		path = filepath.Join(relativeTo, path)
	}
	return filepath.Clean(path), nil
}

// ParseInterval parses a sync interval in minutes.
func ParseInterval(s string) (int, error) {
	interval, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, errors.ConfigError{
			Field:  "interval",
			Reason: fmt.Sprintf("%q is not a whole number of minutes", s),
		}
	}

	if interval <= 0 {
		return 0, errors.ConfigError{
			Field:  "interval",
			Reason: fmt.Sprintf("must be a positive number of minutes, got %d", interval),
		}
	}
	return interval, nil
}

// Validate checks that the mirror can be run. The paths must already be
// absolute.
func (m Mirror) Validate() error {
	switch {
	case m.Source == "":
		return errors.ConfigError{Field: "source", Reason: "a source directory is required"}
	case m.Replica == "":
		return errors.ConfigError{Field: "replica", Reason: "a replica directory is required"}
	case m.IntervalMinutes <= 0:
		return errors.ConfigError{
			Field:  "interval",
			Reason: fmt.Sprintf("must be a positive number of minutes, got %d", m.IntervalMinutes),
		}
	}

	source := filepath.Clean(m.Source)
	replica := filepath.Clean(m.Replica)

	// Compare the link targets, since a replica reached through a link into
	// the source is still inside the source.
	realSource, realReplica := resolveLinks(source), resolveLinks(replica)
	switch {
	case realSource == realReplica:
		return errors.ConfigError{Field: "replica", Reason: "must be different from the source directory"}
	case isWithin(realReplica, realSource):
		// Each pass would copy the replica into itself.
		return errors.ConfigError{Field: "replica", Reason: fmt.Sprintf("must not be inside the source directory %s", source)}
	case isWithin(realSource, realReplica):
		// The source would be deleted as an orphan of the replica.
		return errors.ConfigError{Field: "source", Reason: fmt.Sprintf("must not be inside the replica directory %s", replica)}
	}

	fi, err := fs.Stat(source)
	if err != nil || !fi.IsDir() {
		return errors.ConfigError{Field: "source", Reason: fmt.Sprintf("%s is not a directory", source)}
	}
	return nil
}

// resolveLinks returns `path` with all symlinks resolved. The replica may not
// exist yet, so missing trailing components are resolved through their
// closest existing ancestor.
func resolveLinks(path string) string {
	resolved, err := evalSymlinks(path)
	if err == nil {
		return resolved
	}

	parent := filepath.Dir(path)
	if parent == path {
		return path
	}
	return filepath.Join(resolveLinks(parent), filepath.Base(path))
}

// isWithin returns whether `path` is a descendant of `dir`.
func isWithin(path, dir string) bool {
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return false
	}
	return rel != "." && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
