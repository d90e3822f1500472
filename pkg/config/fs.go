package config

import (
	"os"
	"path/filepath"

	"github.com/spf13/afero"
)

// fs is replaced with afero.NewMemMapFs() in the tests.
var fs = afero.NewOsFs()

// getwd is used to resolve relative paths given on the command line.
var getwd = os.Getwd

// evalSymlinks resolves links before the source and replica are compared.
var evalSymlinks = filepath.EvalSymlinks
