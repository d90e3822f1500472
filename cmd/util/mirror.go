package util

import (
	"github.com/sidkik/dirmirror/pkg/config"
	"github.com/sidkik/dirmirror/pkg/errors"
)

// Mocked for unit testing.
var (
	parseMirrorConfig = config.ParseMirror
	expandPath        = config.ExpandPath
)

// MirrorFlags are command line flags that override the mirror config.
type MirrorFlags struct {
	Interval string
	LogFile  string
	Watch    bool
}

// ResolveMirror decides which directories to mirror. The source and replica
// come from `args` if given, and from the config file otherwise. The result
// has absolute paths and has been validated.
func ResolveMirror(args []string, flags MirrorFlags) (config.Mirror, error) {
	var mirror config.Mirror
	switch len(args) {
	case 0:
		var err error
		mirror, err = parseMirrorConfig()
		if err != nil {
			return config.Mirror{}, errors.WithContext(err, "read config")
		}
	case 2:
		mirror = config.Mirror{
			Source:          args[0],
			Replica:         args[1],
			IntervalMinutes: config.DefaultIntervalMinutes,
			LogFile:         config.DefaultLogFile,
		}
	default:
		return config.Mirror{}, errors.ConfigError{
			Field:  "arguments",
			Reason: "expected a source and a replica directory, or no arguments to use the config file",
		}
	}

	if flags.Interval != "" {
		interval, err := config.ParseInterval(flags.Interval)
		if err != nil {
			return config.Mirror{}, err
		}
		mirror.IntervalMinutes = interval
	}
	if flags.LogFile != "" {
		mirror.LogFile = flags.LogFile
	}
	if mirror.LogFile == "" {
		mirror.LogFile = config.DefaultLogFile
	}
	mirror.Watch = mirror.Watch || flags.Watch

	for _, path := range []*string{&mirror.Source, &mirror.Replica, &mirror.LogFile} {
		if *path == "" {
			continue
		}

		expanded, err := expandPath(*path)
		if err != nil {
			return config.Mirror{}, errors.WithContext(err, "expand path")
		}
		*path = expanded
	}

	if err := mirror.Validate(); err != nil {
		return config.Mirror{}, err
	}
	return mirror, nil
}
