package diceolotl

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"reflect"
	"strings"
	"sync"

	"github.com/bwmarrin/discordgo"
	"gopkg.in/yaml.v3"
)

const (
	extensionYAML = ".yaml"
	extensionJSON = ".json"
)

var (
	ErrModuleEmpty          = errors.New("module is empty")
	ErrModuleMissingData    = errors.New(`module is missing required "data" property`)
	ErrModuleMissingExecute = errors.New(`module is missing required "execute" property`)
	ErrModuleNotCallable    = errors.New("module execute does not name a known handler")
	ErrModuleMissingName    = errors.New(`module is missing required "name" property`)
	ErrUnknownEvent         = errors.New("unknown event name")
)

// Module is the decoded form of a command or event manifest. Command
// manifests set Data, event manifests set Name and Once. Execute names a
// handler registered with the bot.
type Module struct {
	Data    *CommandData `yaml:"data,omitempty" json:"data,omitempty"`
	Name    string       `yaml:"name,omitempty" json:"name,omitempty"`
	Once    bool         `yaml:"once,omitempty" json:"once,omitempty"`
	Execute string       `yaml:"execute,omitempty" json:"execute,omitempty"`
}

// CommandData describes a slash command, as it's registered with Discord
//
//nolint:lll // struct tags can't be split
type CommandData struct {
	Name                     string              `yaml:"name" json:"name"`
	Description              string              `yaml:"description" json:"description"`
	DefaultMemberPermissions *int64              `yaml:"default_member_permissions,omitempty" json:"default_member_permissions,omitempty"`
	DMPermission             *bool               `yaml:"dm_permission,omitempty" json:"dm_permission,omitempty"`
	NSFW                     bool                `yaml:"nsfw,omitempty" json:"nsfw,omitempty"`
	Options                  []CommandOptionData `yaml:"options,omitempty" json:"options,omitempty"`
}

// CommandOptionData describes a slash command option
//
//nolint:lll // struct tags can't be split
type CommandOptionData struct {
	Type         string                `yaml:"type" json:"type"`
	Name         string                `yaml:"name" json:"name"`
	Description  string                `yaml:"description" json:"description"`
	Required     bool                  `yaml:"required,omitempty" json:"required,omitempty"`
	Autocomplete bool                  `yaml:"autocomplete,omitempty" json:"autocomplete,omitempty"`
	MinValue     *float64              `yaml:"min_value,omitempty" json:"min_value,omitempty"`
	MaxValue     float64               `yaml:"max_value,omitempty" json:"max_value,omitempty"`
	MinLength    *int                  `yaml:"min_length,omitempty" json:"min_length,omitempty"`
	MaxLength    int                   `yaml:"max_length,omitempty" json:"max_length,omitempty"`
	Choices      []CommandOptionChoice `yaml:"choices,omitempty" json:"choices,omitempty"`
}

type CommandOptionChoice struct {
	Name  string `yaml:"name" json:"name"`
	Value any    `yaml:"value" json:"value"`
}

var commandOptionTypes = map[string]discordgo.ApplicationCommandOptionType{
	"string":      discordgo.ApplicationCommandOptionString,
	"integer":     discordgo.ApplicationCommandOptionInteger,
	"boolean":     discordgo.ApplicationCommandOptionBoolean,
	"user":        discordgo.ApplicationCommandOptionUser,
	"channel":     discordgo.ApplicationCommandOptionChannel,
	"role":        discordgo.ApplicationCommandOptionRole,
	"mentionable": discordgo.ApplicationCommandOptionMentionable,
	"number":      discordgo.ApplicationCommandOptionNumber,
	"attachment":  discordgo.ApplicationCommandOptionAttachment,
}

// Schema converts the command data into the payload sent to Discord
func (c CommandData) Schema() (*discordgo.ApplicationCommand, error) {
	cmd := &discordgo.ApplicationCommand{
		Type:                     discordgo.ChatApplicationCommand,
		Name:                     c.Name,
		Description:              c.Description,
		DefaultMemberPermissions: c.DefaultMemberPermissions,
		DMPermission:             c.DMPermission,
	}
	if c.NSFW {
		nsfw := true
		cmd.NSFW = &nsfw
	}

	var errs []error
	for _, opt := range c.Options {
		optType, ok := commandOptionTypes[strings.ToLower(opt.Type)]
		if !ok {
			errs = append(errs, fmt.Errorf("option %q: unknown type %q", opt.Name, opt.Type))
			continue
		}
		o := &discordgo.ApplicationCommandOption{
			Type:         optType,
			Name:         opt.Name,
			Description:  opt.Description,
			Required:     opt.Required,
			Autocomplete: opt.Autocomplete,
			MinValue:     opt.MinValue,
			MaxValue:     opt.MaxValue,
			MinLength:    opt.MinLength,
			MaxLength:    opt.MaxLength,
		}
		for _, choice := range opt.Choices {
			o.Choices = append(
				o.Choices,
				&discordgo.ApplicationCommandOptionChoice{Name: choice.Name, Value: choice.Value},
			)
		}
		cmd.Options = append(cmd.Options, o)
	}
	return cmd, errors.Join(errs...)
}

// ModuleLoader reads and decodes module manifests. Exactly one manifest
// extension is active per loader.
type ModuleLoader interface {
	// Extension is the file extension (including the dot) of manifests
	// this loader reads
	Extension() string

	// LoadModule reads and decodes the manifest at the given path.
	// Returns (nil, ErrModuleEmpty) for an empty or null document.
	LoadModule(fsys fs.FS, name string) (*Module, error)
}

// NewModuleLoader returns the loader for the given mode: YAML manifests
// read fresh on every load in development, and built JSON manifests
// decoded once and cached in production.
func NewModuleLoader(mode RunMode) ModuleLoader {
	if mode == RunModeDevelopment {
		return &freshModuleLoader{}
	}
	return newCachedModuleLoader()
}

// freshModuleLoader re-reads the manifest on every call, so edits show
// up on the next reload without restarting.
type freshModuleLoader struct{}

func (freshModuleLoader) Extension() string {
	return extensionYAML
}

func (freshModuleLoader) LoadModule(fsys fs.FS, name string) (*Module, error) {
	data, err := fs.ReadFile(fsys, name)
	if err != nil {
		return nil, err
	}
	return decodeYAMLModule(data)
}

// cachedModuleLoader decodes each manifest once. Later loads of the
// same path from the same filesystem return the cached module.
type cachedModuleLoader struct {
	mu    sync.Mutex
	cache map[moduleCacheKey]*Module
	reads int
}

type moduleCacheKey struct {
	fsys any
	name string
}

// fsPointer identifies a filesystem backed by a map or pointer, which
// can't be used as a map key directly (fstest.MapFS, for one)
type fsPointer struct {
	typ reflect.Type
	ptr uintptr
}

// fsIdentity returns a comparable value identifying fsys
func fsIdentity(fsys fs.FS) any {
	v := reflect.ValueOf(fsys)
	switch v.Kind() {
	case reflect.Map, reflect.Pointer, reflect.Slice, reflect.Func, reflect.Chan:
		return fsPointer{typ: v.Type(), ptr: v.Pointer()}
	}
	if v.IsValid() && v.Comparable() {
		return fsys
	}
	return v.Type()
}

func newCachedModuleLoader() *cachedModuleLoader {
	return &cachedModuleLoader{cache: map[moduleCacheKey]*Module{}}
}

func (*cachedModuleLoader) Extension() string {
	return extensionJSON
}

func (c *cachedModuleLoader) LoadModule(fsys fs.FS, name string) (*Module, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := moduleCacheKey{fsys: fsIdentity(fsys), name: name}
	if m, ok := c.cache[key]; ok {
		if m == nil {
			return nil, ErrModuleEmpty
		}
		return m, nil
	}

	data, err := fs.ReadFile(fsys, name)
	if err != nil {
		return nil, err
	}
	c.reads++
	m, err := decodeJSONModule(data)
	if err != nil && !errors.Is(err, ErrModuleEmpty) {
		return nil, err
	}
	c.cache[key] = m
	return m, err
}

func decodeYAMLModule(data []byte) (*Module, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, ErrModuleEmpty
	}
	var m *Module
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("error decoding module: %w", err)
	}
	if m == nil {
		return nil, ErrModuleEmpty
	}
	return m, nil
}

func decodeJSONModule(data []byte) (*Module, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, ErrModuleEmpty
	}
	var m *Module
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("error decoding module: %w", err)
	}
	if m == nil {
		return nil, ErrModuleEmpty
	}
	return m, nil
}

// isValidationError returns true for module errors that cause the
// module to be skipped, rather than aborting the load
func isValidationError(err error) bool {
	return errors.Is(err, ErrModuleEmpty) ||
		errors.Is(err, ErrModuleMissingData) ||
		errors.Is(err, ErrModuleMissingExecute) ||
		errors.Is(err, ErrModuleNotCallable) ||
		errors.Is(err, ErrModuleMissingName) ||
		errors.Is(err, ErrUnknownEvent)
}

// moduleFiles returns the files directly under dir with the given
// extension, in lexical order
func moduleFiles(fsys fs.FS, dir string, ext string) ([]string, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() || path.Ext(e.Name()) != ext {
			continue
		}
		files = append(files, path.Join(dir, e.Name()))
	}
	return files, nil
}

// BuildModules converts every YAML manifest under srcRoot into JSON,
// written by write with the same relative path and a .json extension.
// Manifests are decoded and re-encoded, so invalid YAML fails the build.
func BuildModules(
	fsys fs.FS,
	srcRoot string,
	write func(relPath string, data []byte) error,
) (int, error) {
	var built int
	err := fs.WalkDir(
		fsys, srcRoot, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() || path.Ext(p) != extensionYAML {
				return nil
			}
			data, err := fs.ReadFile(fsys, p)
			if err != nil {
				return err
			}
			m, err := decodeYAMLModule(data)
			if err != nil {
				return fmt.Errorf("%s: %w", p, err)
			}
			out, err := json.MarshalIndent(m, "", "  ")
			if err != nil {
				return fmt.Errorf("%s: %w", p, err)
			}
			rel := p
			if srcRoot != "." {
				rel = strings.TrimPrefix(strings.TrimPrefix(p, srcRoot), "/")
			}
			rel = strings.TrimSuffix(rel, extensionYAML) + extensionJSON
			if err = write(rel, append(out, '\n')); err != nil {
				return err
			}
			built++
			return nil
		},
	)
	return built, err
}
