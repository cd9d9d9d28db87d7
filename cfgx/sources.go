package cfgx

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"os"
	"reflect"
	"strings"

	"github.com/erlorenz/topicbus/cfgx/internal/casing"
)

const (
	dockerPath    = "/run/secrets"
	maxSecretSize = 1 << 20 // 1MB - max size for secret files
)

// Default ===================================================================
type defaultSource struct{}

func (s *defaultSource) Priority() int {
	return PriorityDefaults
}

func (s *defaultSource) Process(fields map[string]Field) error {
	var errs []error

	for _, field := range fields {
		defVal, ok := field.Tag.Lookup(tagDefault)
		if !ok {
			continue
		}
		if err := setValue(field, defVal); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// Env ====================================================================
type envSource struct {
	prefix string
}

func (s *envSource) Priority() int {
	return PriorityEnv
}

// name returns the variable a field is read from.
func (s *envSource) name(field Field) string {
	if tagVal, ok := field.Tag.Lookup(tagEnv); ok {
		return tagVal
	}

	name := casing.ToScreamingSnake(field.Path)
	if s.prefix != "" {
		name = s.prefix + "_" + name
	}
	return name
}

func (s *envSource) Process(fields map[string]Field) error {
	var errs []error

	for _, field := range fields {
		envVal, ok := os.LookupEnv(s.name(field))
		if !ok {
			continue
		}
		if err := setValue(field, envVal); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// Flag ===================================================================
type flagSource struct {
	opts Options
}

func (s *flagSource) Priority() int {
	return PriorityFlags
}

// Process registers one flag per field, plus its short alias. Flags set
// the field directly while parsing, so only flags given on the command
// line override earlier sources.
func (s *flagSource) Process(fields map[string]Field) error {
	flags := flag.NewFlagSet(s.opts.ProgramName, s.opts.ErrorHandling)

	for _, field := range fields {
		set := func(raw string) error { return setValue(field, raw) }

		names := []string{casing.ToKebab(field.Path)}
		if tagVal, ok := field.Tag.Lookup(tagFlag); ok {
			names[0] = tagVal
		}
		if short := field.Tag.Get(tagShort); short != "" {
			names = append(names, short)
		}

		for _, name := range names {
			if field.Kind == reflect.Bool {
				flags.BoolFunc(name, field.Description, set)
			} else {
				flags.Func(name, field.Description, set)
			}
		}
	}

	if err := flags.Parse(s.opts.Args); err != nil {
		return fmt.Errorf("failed parsing flags: %w", err)
	}
	return nil
}

// ====================================================================
// Docker Secrets

// DockerSecretsSource wraps a [FileContentSource].
// It reads the docker secret file at "/run/secrets/<secret_name>".
// It defaults to snake case based on the struct path.
// Override the name with the tag "dsec".
type DockerSecretsSource struct {
	SecretsPath string
	FileContentSource
}

// Process opens an [os.Root] and calls the underlying [FileContentSource]'s
// Process method with the [os.Root.FS]. A missing secrets directory is not
// an error; there is simply nothing to read.
func (s *DockerSecretsSource) Process(fields map[string]Field) error {
	root, err := os.OpenRoot(s.SecretsPath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open docker path: %w", err)
	}
	defer root.Close()

	s.FileContentSource.FS = root.FS()
	return s.FileContentSource.Process(fields)
}

// NewDockerSecretsSource sets a priority of PrioritySecrets, a tag of
// "dsec", and a secrets path of /run/secrets.
func NewDockerSecretsSource() *DockerSecretsSource {
	return &DockerSecretsSource{
		SecretsPath: dockerPath,
		FileContentSource: FileContentSource{
			PriorityLevel: PrioritySecrets,
			Tag:           tagDockerSecret,
			// Assign the fs.FS in the Process method so we can use os.Root.
		},
	}
}

// FileContentSource reads one file per field from FS. The file name is
// the snake case field path unless Tag overrides it. Surrounding
// whitespace is trimmed from the content.
type FileContentSource struct {
	PriorityLevel int
	Tag           string
	FS            fs.FS
}

// Priority implements [Source].
func (s *FileContentSource) Priority() int {
	return s.PriorityLevel
}

// Process implements [Source].
func (s *FileContentSource) Process(fields map[string]Field) error {
	if s.FS == nil {
		return fmt.Errorf("process FileContentSource: fs.FS cannot be nil")
	}

	var errs []error

	for path, field := range fields {
		name := casing.ToSnake(path)
		if tagVal, ok := field.Tag.Lookup(s.Tag); ok {
			name = tagVal
		}

		content, ok, err := s.read(name)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if !ok {
			continue
		}

		if err := setValue(field, content); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// read returns the trimmed content of name, or false if it doesn't exist.
func (s *FileContentSource) read(name string) (string, bool, error) {
	file, err := s.FS.Open(name)
	if err != nil {
		return "", false, nil
	}
	defer file.Close()

	// Limit read size to prevent memory exhaustion
	b, err := io.ReadAll(io.LimitReader(file, maxSecretSize+1))
	if err != nil {
		return "", false, fmt.Errorf("cannot read file %s: %w", name, err)
	}
	if len(b) > maxSecretSize {
		return "", false, fmt.Errorf("file %s exceeds max size of %d bytes", name, maxSecretSize)
	}
	return strings.TrimSpace(string(b)), true, nil
}
