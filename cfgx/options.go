package cfgx

import (
	"flag"
	"os"
)

// DefaultOptions are used for every option left at its zero value.
var DefaultOptions = Options{
	ProgramName:   os.Args[0],
	Args:          os.Args[1:],
	ErrorHandling: flag.ContinueOnError,
}

func setOptions(options Options) Options {
	opts := options

	if opts.ProgramName == "" {
		opts.ProgramName = DefaultOptions.ProgramName
	}
	if opts.Args == nil {
		opts.Args = DefaultOptions.Args
	}
	if opts.ErrorHandling == flag.ContinueOnError {
		opts.ErrorHandling = DefaultOptions.ErrorHandling
	}
	if opts.EnvPrefix == "" {
		opts.EnvPrefix = DefaultOptions.EnvPrefix
	}

	return opts
}
