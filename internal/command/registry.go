// Package command dispatches staff commands typed into guild channels.
package command

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/newcircuit/modmail/internal/models"
	"github.com/newcircuit/modmail/internal/observability"
	"github.com/newcircuit/modmail/internal/render"
	"github.com/newcircuit/modmail/internal/service"
)

var (
	// ErrUnknownCommand indicates the message names no registered command.
	ErrUnknownCommand = errors.New("unknown command")
	// ErrForbidden indicates the actor's role is below the command's requirement.
	ErrForbidden = errors.New("insufficient role")
)

// Actor is the staff member invoking a command.
type Actor struct {
	render.Person
	Role  models.RoleLevel
	Owner bool
}

// Invocation carries one parsed command message.
type Invocation struct {
	Actor       Actor
	GuildID     string
	ChannelID   string
	MessageID   string
	Name        string
	Args        []string
	Raw         string
	Attachments []service.AttachmentRef
}

// Reply is the text a command answers with. An empty ChannelID answers in
// the invoking channel; an empty Text answers nothing.
type Reply struct {
	ChannelID string
	Text      string
}

// Descriptor declares a command.
type Descriptor struct {
	Name    string
	Aliases []string
	Usage   string
	Role    models.RoleLevel
	Parse   func(inv Invocation) (any, error)
	Handle  func(ctx context.Context, inv Invocation, args any) (Reply, error)
}

// Define builds a descriptor from typed parse and handle functions.
func Define[T any](name string, role models.RoleLevel, usage string, parse func(Invocation) (T, error), handle func(context.Context, Invocation, T) (Reply, error), aliases ...string) Descriptor {
	return Descriptor{
		Name:    name,
		Aliases: aliases,
		Usage:   usage,
		Role:    role,
		Parse: func(inv Invocation) (any, error) {
			return parse(inv)
		},
		Handle: func(ctx context.Context, inv Invocation, args any) (Reply, error) {
			typed, ok := args.(T)
			if !ok {
				return Reply{}, fmt.Errorf("command %s: unexpected arguments %T", name, args)
			}
			return handle(ctx, inv, typed)
		},
	}
}

// UsageError reports arguments that did not parse or validate.
type UsageError struct {
	Usage string
	Err   error
}

func (e *UsageError) Error() string {
	return fmt.Sprintf("usage: %s: %v", e.Usage, e.Err)
}

func (e *UsageError) Unwrap() error {
	return e.Err
}

// Guard rejects actors whose role ranks below required. Owners pass every guard.
func Guard(actor Actor, required models.RoleLevel) error {
	if actor.Owner || actor.Role.Rank() >= required.Rank() {
		return nil
	}
	return fmt.Errorf("%w: requires %s", ErrForbidden, required)
}

// Registry maps command names and aliases onto descriptors.
type Registry struct {
	prefix    string
	commands  map[string]*Descriptor
	validator *validator.Validate
	logger    zerolog.Logger
}

// NewRegistry constructs an empty registry for messages starting with prefix.
func NewRegistry(prefix string, validate *validator.Validate, logger zerolog.Logger) *Registry {
	return &Registry{
		prefix:    prefix,
		commands:  make(map[string]*Descriptor),
		validator: validate,
		logger:    logger.With().Str("component", "command_registry").Logger(),
	}
}

// Register adds descriptors. Names and aliases are case-insensitive and must be unique.
func (r *Registry) Register(descriptors ...Descriptor) error {
	for i := range descriptors {
		d := descriptors[i]
		if d.Name == "" || d.Parse == nil || d.Handle == nil {
			return fmt.Errorf("command %q is incomplete", d.Name)
		}
		for _, key := range append([]string{d.Name}, d.Aliases...) {
			key = strings.ToLower(key)
			if _, exists := r.commands[key]; exists {
				return fmt.Errorf("command name %q registered twice", key)
			}
			r.commands[key] = &d
		}
	}
	return nil
}

// Lookup returns the descriptor registered under name or alias.
func (r *Registry) Lookup(name string) (Descriptor, bool) {
	d, ok := r.commands[strings.ToLower(name)]
	if !ok {
		return Descriptor{}, false
	}
	return *d, true
}

// Names lists the primary command names.
func (r *Registry) Names() []string {
	seen := make(map[string]struct{}, len(r.commands))
	names := make([]string, 0, len(r.commands))
	for _, d := range r.commands {
		if _, ok := seen[d.Name]; ok {
			continue
		}
		seen[d.Name] = struct{}{}
		names = append(names, d.Name)
	}
	sort.Strings(names)
	return names
}

// Parse splits content into a command name, its arguments and the raw
// argument text. ok is false when content does not start with the prefix.
func (r *Registry) Parse(content string) (name string, args []string, raw string, ok bool) {
	trimmed := strings.TrimSpace(content)
	if r.prefix == "" || !strings.HasPrefix(trimmed, r.prefix) {
		return "", nil, "", false
	}
	body := strings.TrimPrefix(trimmed, r.prefix)
	name, raw, _ = strings.Cut(body, " ")
	if name == "" {
		return "", nil, "", false
	}
	raw = strings.TrimSpace(raw)
	return strings.ToLower(name), strings.Fields(raw), raw, true
}

// Dispatch runs the command named in content. Commands run only after the
// guard accepts the actor and the arguments validate.
func (r *Registry) Dispatch(ctx context.Context, inv Invocation, content string) (Reply, error) {
	name, args, raw, ok := r.Parse(content)
	if !ok {
		return Reply{}, ErrUnknownCommand
	}
	d, found := r.commands[name]
	if !found {
		return Reply{}, fmt.Errorf("%w: %s", ErrUnknownCommand, name)
	}
	inv.Name = d.Name
	inv.Args = args
	inv.Raw = raw

	reply, err := r.run(ctx, d, inv)
	observability.Commands().WithLabelValues(d.Name, outcomeOf(err)).Inc()
	if err != nil {
		r.logger.Warn().Err(err).
			Str("command", d.Name).
			Str("user_id", inv.Actor.ID).
			Str("channel_id", inv.ChannelID).
			Msg("command failed")
	}
	return reply, err
}

func (r *Registry) run(ctx context.Context, d *Descriptor, inv Invocation) (Reply, error) {
	if err := Guard(inv.Actor, d.Role); err != nil {
		return Reply{}, err
	}

	args, err := d.Parse(inv)
	if err != nil {
		return Reply{}, &UsageError{Usage: r.prefix + d.Usage, Err: err}
	}
	if r.validator != nil && isStruct(args) {
		if err := r.validator.Struct(args); err != nil {
			return Reply{}, &UsageError{Usage: r.prefix + d.Usage, Err: err}
		}
	}

	return d.Handle(ctx, inv, args)
}

func isStruct(v any) bool {
	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return false
		}
		rv = rv.Elem()
	}
	return rv.Kind() == reflect.Struct
}

func outcomeOf(err error) string {
	var usage *UsageError
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.As(err, &usage):
		return "usage"
	default:
		return "error"
	}
}
