package config

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/sidkik/dirmirror/cmd/util"
	"github.com/sidkik/dirmirror/pkg/config"
	"github.com/sidkik/dirmirror/pkg/errors"
)

// Mocked for unit testing.
var (
	stdout              io.Writer = os.Stdout
	stdin               io.Reader = os.Stdin
	guessDefaults                 = guessDefaultsImpl
	parseMirrorConfig             = config.ParseMirror
	writeMirrorConfig             = config.WriteMirror
	getMirrorConfigPath           = config.GetMirrorConfigPath
	expandPath                    = config.ExpandPath
	stat                          = os.Stat
	getWorkingDirectory           = os.Getwd
)

// options are the values that can be given as flags instead of answering
// the prompts.
type options struct {
	source, replica, interval, logFile string
	watch                              bool
}

// New creates a new `config` command.
func New() *cobra.Command {
	var cliOpts options
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Setup the directories to mirror",
		Long: "Interactively choose the source directory, the replica directory, " +
			"and how often to sync them.\nThe answers are saved to " + config.MirrorConfigPath + ".",
		Run: func(_ *cobra.Command, _ []string) {
			if err := SetupConfig(cliOpts); err != nil {
				err = errors.NewFriendlyError("Failed to setup configuration:\n%s",
					errors.GetPrintableMessage(err))
				util.HandleFatalError(err)
			}
		},
	}
	cmd.Flags().StringVar(&cliOpts.source, "source", "",
		"Set the source directory in the config. "+
			"Optional: If not set, `dirmirror config` will interactively prompt.")
	cmd.Flags().StringVar(&cliOpts.replica, "replica", "",
		"Set the replica directory in the config. "+
			"Optional: If not set, `dirmirror config` will interactively prompt.")
	cmd.Flags().StringVar(&cliOpts.interval, "interval", "",
		"Set the sync interval in minutes. "+
			"Optional: If not set, `dirmirror config` will interactively prompt.")
	cmd.Flags().StringVar(&cliOpts.logFile, "log-file", "",
		"Set the path of the event log. "+
			"Optional: If not set, `dirmirror config` will interactively prompt.")
	cmd.Flags().BoolVar(&cliOpts.watch, "watch", false,
		"Also sync as soon as files in the source directory change.")

	// Setup the commands for querying the contents of the config.
	type getterSpec struct {
		use, short string
		fn         func(config.Mirror) string
	}

	getters := []getterSpec{
		{
			use:   "get-source",
			short: "Get the configured source directory",
			fn:    func(cfg config.Mirror) string { return cfg.Source },
		},
		{
			use:   "get-replica",
			short: "Get the configured replica directory",
			fn:    func(cfg config.Mirror) string { return cfg.Replica },
		},
		{
			use:   "get-interval",
			short: "Get the configured sync interval in minutes",
			fn:    func(cfg config.Mirror) string { return strconv.Itoa(cfg.IntervalMinutes) },
		},
	}
	for _, getter := range getters {
		getter := getter
		cmd.AddCommand(&cobra.Command{
			Use:   getter.use,
			Short: getter.short,
			Run: func(_ *cobra.Command, _ []string) {
				cfg, err := parseMirrorConfig()
				if err != nil {
					err = errors.WithContext(err, "read config")
					util.HandleFatalError(err)
				}

				fmt.Fprintln(stdout, getter.fn(cfg))
			},
		})
	}

	return cmd
}

// SetupConfig prompts for any settings missing from `cliOpts`, and writes the
// result to the config file.
func SetupConfig(cliOpts options) error {
	cfg, err := generateConfig(cliOpts)
	if err != nil {
		return errors.WithContext(err, "generate config")
	}

	if err := cfg.Validate(); err != nil {
		return errors.WithContext(err, "validate")
	}

	if err := writeMirrorConfig(cfg); err != nil {
		return errors.WithContext(err, "write config")
	}

	path, err := getMirrorConfigPath()
	if err != nil {
		return errors.WithContext(err, "get config path")
	}

	fmt.Fprintf(stdout, "Wrote config to %s\n", path)
	return nil
}

func directoryValidationFn(path string) (string, bool) {
	expanded, err := expandPath(path)
	if err != nil {
		return fmt.Sprintf("Failed to resolve %q: %s", path, err), false
	}

	fi, err := stat(expanded)
	switch {
	case os.IsNotExist(err):
		return fmt.Sprintf("%s doesn't exist. Please enter an existing directory.", expanded), false
	case err != nil:
		return fmt.Sprintf("Failed to access %s: %s", expanded, err), false
	case !fi.IsDir():
		return fmt.Sprintf("%s isn't a directory. Please enter a directory.", expanded), false
	}
	return "", true
}

func nonEmptyValidationFn(resp string) (string, bool) {
	if strings.TrimSpace(resp) == "" {
		return "A value is required.", false
	}
	return "", true
}

func intervalValidationFn(resp string) (string, bool) {
	if _, err := config.ParseInterval(resp); err != nil {
		return errors.GetPrintableMessage(err) + " Please try again.", false
	}
	return "", true
}

type prompt struct {
	helpString, prompt, defaultAnswer, currAnswer string
	field                                         *string
	validationFn                                  func(string) (string, bool)
}

// generateConfig interacts with the user to decide what the desired
// configuration is.
// It makes best guesses at reasonable defaults, and allows users to explicitly
// override them if desired.
func generateConfig(cliOpts options) (config.Mirror, error) {
	defaults := guessDefaults()
	currConfig, err := parseMirrorConfig()
	if err != nil {
		currConfig = config.Mirror{}
		log.WithError(err).Debug("Failed to read current config")
	}

	var currInterval string
	if currConfig.IntervalMinutes > 0 {
		currInterval = strconv.Itoa(currConfig.IntervalMinutes)
	}

	resp := cliOpts
	var prompts []prompt
	if cliOpts.source == "" {
		prompts = append(prompts, prompt{
			helpString: "Enter the path of the source folder.\n" +
				"Its contents are copied into the replica on every sync.",
			prompt:        "Source folder",
			defaultAnswer: defaults.source,
			currAnswer:    currConfig.Source,
			field:         &resp.source,
			validationFn:  directoryValidationFn,
		})
	}

	if cliOpts.replica == "" {
		prompts = append(prompts, prompt{
			helpString: "Enter the path of the replica folder.\n" +
				"It's created if it doesn't exist. Anything in it that isn't in the " +
				"source folder will be deleted.",
			prompt:       "Replica folder",
			currAnswer:   currConfig.Replica,
			field:        &resp.replica,
			validationFn: nonEmptyValidationFn,
		})
	}

	if cliOpts.interval == "" {
		prompts = append(prompts, prompt{
			helpString:    "Enter how often to sync the folders, in minutes.",
			prompt:        "Sync interval",
			defaultAnswer: defaults.interval,
			currAnswer:    currInterval,
			field:         &resp.interval,
			validationFn:  intervalValidationFn,
		})
	}

	if cliOpts.logFile == "" {
		prompts = append(prompts, prompt{
			helpString:    "Enter the path of the file that sync events are logged to.",
			prompt:        "Log file",
			defaultAnswer: defaults.logFile,
			currAnswer:    currConfig.LogFile,
			field:         &resp.logFile,
			validationFn:  nonEmptyValidationFn,
		})
	}

	for _, prompt := range prompts {
		var answer string
		for {
			answer, err = promptUser(prompt.helpString, prompt.prompt,
				prompt.defaultAnswer, prompt.currAnswer)
			if err != nil {
				return config.Mirror{}, errors.WithContext(err, "read response")
			}

			if prompt.validationFn == nil {
				break
			}

			validationErr, ok := prompt.validationFn(answer)
			if ok {
				break
			}

			fmt.Fprintln(stdout, validationErr)
		}

		*prompt.field = answer
	}

	return toMirror(resp, cliOpts.watch || currConfig.Watch)
}

func toMirror(resp options, watch bool) (config.Mirror, error) {
	interval, err := config.ParseInterval(resp.interval)
	if err != nil {
		return config.Mirror{}, err
	}

	cfg := config.Mirror{IntervalMinutes: interval, Watch: watch}
	for _, field := range []struct {
		in  string
		out *string
	}{
		{resp.source, &cfg.Source},
		{resp.replica, &cfg.Replica},
		{resp.logFile, &cfg.LogFile},
	} {
		path, err := expandPath(field.in)
		if err != nil {
			return config.Mirror{}, errors.WithContext(err, "expand path")
		}
		*field.out = path
	}
	return cfg, nil
}

// guessDefaultsImpl tries to guess reasonable defaults for the prompts.
func guessDefaultsImpl() options {
	defaults := options{
		interval: strconv.Itoa(config.DefaultIntervalMinutes),
		logFile:  config.DefaultLogFile,
	}

	if wd, err := getWorkingDirectory(); err == nil {
		defaults.source = wd
	} else {
		log.WithError(err).Info("Failed to guess source directory")
	}
	return defaults
}

func promptUser(helpString, prompt, defaultAnswer, currAnswer string) (string, error) {
	// Display a new line at the end to separate different fields to make it
	// look clearer.
	defer fmt.Fprintln(stdout)

	options := []string{}
	if defaultAnswer != "" {
		options = append(options, defaultAnswer)
	}
	if currAnswer != "" && currAnswer != defaultAnswer {
		options = append(options, currAnswer)
	}
	options = append(options, "(Enter manually)")

	fmt.Fprintln(stdout, helpString+"\n"+prompt+":")

	stdinReader := bufio.NewReader(stdin)

	if nOptions := len(options); nOptions > 1 {
		fmt.Fprintln(stdout)
		for i, option := range options {
			if i == 0 {
				option = fmt.Sprintf("%s (recommended)", option)
			}
			fmt.Fprintf(stdout, "\t%d. %s\n", i+1, option)
		}
		fmt.Fprintln(stdout)

		for {
			fmt.Fprintf(stdout, "Please choose one [1-%d]: ", nOptions)
			choiceStr, err := stdinReader.ReadString('\n')
			if err != nil {
				return "", err
			}

			var choice int
			choiceStr = strings.TrimSpace(choiceStr)

			// Default to the first choice if the user doesn't enter anything.
			if choiceStr == "" {
				choice = 1
			} else {
				choice, err = strconv.Atoi(choiceStr)
				if err != nil || choice < 1 || choice > nOptions {
					continue
				}
			}

			if choice == nOptions {
				break
			}

			return options[choice-1], nil
		}
	}

	fmt.Fprint(stdout, "Please enter manually: ")
	resp, err := stdinReader.ReadString('\n')
	if err != nil {
		return "", err
	}

	return strings.TrimSpace(resp), nil
}
