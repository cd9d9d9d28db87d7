// Package cfgx loads configuration structs from layered sources.
//
// Every exported leaf field of the struct is one setting. Sources are
// applied in priority order, so a later source overrides an earlier one:
//
//	defaults (struct tags)  PriorityDefaults = 0
//	environment variables   PriorityEnv      = 50
//	secret files            PrioritySecrets  = 75
//	command line flags      PriorityFlags    = 100
//
// Field names map to environment variables in SCREAMING_SNAKE case, to
// flags in kebab case and to secret files in snake case. Nested structs
// join their path with a dot first, so Logging.Level becomes
// LOGGING_LEVEL and -logging-level. Fields whose type implements
// encoding.TextUnmarshaler are set through it.
package cfgx

import (
	"cmp"
	"encoding"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"reflect"
	"runtime/debug"
	"slices"
	"strings"
)

const (
	tagEnv         = "env"
	tagFlag        = "flag"
	tagDefault     = "default"
	tagDescription = "desc"     // Description for help messages
	tagOptional    = "optional" // Mark field as optional
	tagShort       = "short"    // Short flag in addition

	tagDockerSecret = "dsec"
)

// Source priorities. Pick a value in between to slot a custom source.
const (
	PriorityDefaults = 0
	PriorityEnv      = 50
	PrioritySecrets  = 75
	PriorityFlags    = 100
)

var ErrNotPointerToStruct = errors.New("config must be a pointer to a struct")

// Source applies values to the fields it knows about.
type Source interface {
	Priority() int
	Process(map[string]Field) error
}

// Options holds options for the Parse function.
type Options struct {
	// ProgramName is the name of the running program (defaults to os.Args[0]).
	ProgramName string
	// EnvPrefix is prepended, with an underscore, to environment variable names.
	EnvPrefix string
	// SkipFlags ignores command line flags.
	SkipFlags bool
	// SkipEnv ignores environment variables.
	SkipEnv bool
	// Args provides command line arguments (defaults to os.Args[1:]).
	Args []string
	// ErrorHandling determines how parsing errors are handled.
	ErrorHandling flag.ErrorHandling
	// Sources adds additional sources.
	Sources []Source
}

// Parse populates the struct cfg points to. Fields that are already
// non-zero are left alone. A top level string field named Version
// receives the module version from the build info unless a source sets it.
//
// Errors from every source are collected, together with the required
// fields that are still zero, into a [MultiError].
func Parse(cfg any, options Options) error {
	opts := setOptions(options)

	v := reflect.ValueOf(cfg)
	if v.Kind() != reflect.Pointer || v.Elem().Kind() != reflect.Struct {
		return handleError(opts.ErrorHandling, ErrNotPointerToStruct)
	}

	fields := walkStruct(v.Elem(), "")

	sources := []Source{&defaultSource{}}
	if !opts.SkipEnv {
		sources = append(sources, &envSource{prefix: opts.EnvPrefix})
	}
	if !opts.SkipFlags {
		sources = append(sources, &flagSource{opts: opts})
	}
	sources = append(sources, opts.Sources...)

	if version, ok := fields["Version"]; ok && version.Kind == reflect.String {
		if bi, ok := debug.ReadBuildInfo(); ok {
			version.Value.SetString(cmp.Or(bi.Main.Version, "(devel)"))
		}
	}

	// Stable, so sources sharing a priority keep their order.
	slices.SortStableFunc(sources, func(a, b Source) int {
		return cmp.Compare(a.Priority(), b.Priority())
	})

	var errs []error
	for _, source := range sources {
		if err := source.Process(fields); err != nil {
			errs = append(errs, err)
		}
	}

	if err := validateRequired(fields); err != nil {
		errs = append(errs, fmt.Errorf("validation: %w", err))
	}

	if len(errs) > 0 {
		return handleError(opts.ErrorHandling, &MultiError{Errors: errs})
	}
	return nil
}

// Field is one settable leaf of the config struct.
type Field struct {
	Path        string
	Value       reflect.Value
	Kind        reflect.Kind
	Name        string
	StructField reflect.StructField
	Tag         reflect.StructTag
	Description string
}

var textUnmarshalerType = reflect.TypeFor[encoding.TextUnmarshaler]()

// isLeaf reports whether a struct typed value should be set as a whole.
func isLeaf(v reflect.Value) bool {
	return v.Kind() != reflect.Struct || reflect.PointerTo(v.Type()).Implements(textUnmarshalerType)
}

// walkStruct maps dotted paths to fields.
func walkStruct(v reflect.Value, currPath string) map[string]Field {
	fields := map[string]Field{}

	t := v.Type()

	for i := range v.NumField() {
		fieldVal := v.Field(i)
		structField := t.Field(i)
		if !structField.IsExported() {
			continue
		}

		path := structField.Name
		if currPath != "" {
			path = strings.Join([]string{currPath, structField.Name}, ".")
		}

		if !isLeaf(fieldVal) {
			maps.Copy(fields, walkStruct(fieldVal, path))
			continue
		}

		// Skip fields already filled
		if !fieldVal.IsZero() {
			continue
		}

		fields[path] = Field{
			Path:        path,
			Value:       fieldVal,
			Kind:        fieldVal.Kind(),
			Name:        structField.Name,
			StructField: structField,
			Tag:         structField.Tag,
			Description: cmp.Or(structField.Tag.Get(tagDescription), path),
		}
	}
	return fields
}

// validateRequired reports every required field that is still zero.
func validateRequired(fields map[string]Field) error {
	var errs []error

	for _, path := range slices.Sorted(maps.Keys(fields)) {
		field := fields[path]

		reqVal, exists := field.Tag.Lookup(tagOptional)
		if exists && reqVal != "false" {
			continue
		}

		if field.Value.IsZero() {
			errs = append(errs, fmt.Errorf("%s is required", path))
		}
	}

	if len(errs) > 0 {
		return &MultiError{Errors: errs}
	}
	return nil
}

// MultiError collects independent errors. errors.Is and errors.As look
// through all of them.
type MultiError struct {
	Errors []error
}

func (m *MultiError) Error() string {
	msgs := make([]string, len(m.Errors))
	for i, err := range m.Errors {
		msgs[i] = err.Error()
	}
	return strings.Join(msgs, "; ")
}

func (m *MultiError) Unwrap() []error {
	return m.Errors
}

// Handle the errors depending on the strategy
func handleError(errHandling flag.ErrorHandling, err error) error {
	switch errHandling {
	case flag.ExitOnError:
		slog.Error("Error parsing config struct.", "error", err)
		os.Exit(1)
	case flag.PanicOnError:
		panic(err)
	}
	return err
}
