package diceolotl

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

const commandErrorMessage = "There was an error while executing this command!"

// CommandRouter dispatches slash command interactions to the command
// registered under the interaction's command name.
type CommandRouter struct {
	registry *CommandRegistry
	logger   *slog.Logger
}

func NewCommandRouter(registry *CommandRegistry, logger *slog.Logger) *CommandRouter {
	if logger == nil {
		logger = slog.Default()
	}
	return &CommandRouter{
		registry: registry,
		logger:   logger.With(loggerNameKey, "router"),
	}
}

// Route runs the command for the interaction. Interactions other than
// chat input commands are ignored, as are unknown command names (which
// are only logged, the user gets no reply).
//
// If the command returns an error or panics, the user is sent an
// ephemeral error message: as a follow-up if the command already replied
// or deferred, otherwise as the initial response. A failure to send that
// message is logged and dropped.
func (r *CommandRouter) Route(ctx context.Context, h InteractionHandler) {
	i := h.GetInteraction()
	if i == nil || i.Interaction == nil || i.Type != discordgo.InteractionApplicationCommand {
		return
	}
	data := i.ApplicationCommandData()
	if data.CommandType != discordgo.ChatApplicationCommand {
		return
	}

	logger := contextLoggerOr(ctx, r.logger).With("command", data.Name)

	cmd, ok := r.registry.Get(data.Name)
	if !ok {
		logger.ErrorContext(ctx, fmt.Sprintf("No command matching %s was found.", data.Name))
		return
	}

	ctx = WithLogger(ctx, logger)
	err := r.execute(ctx, cmd, h)
	if err == nil {
		return
	}

	logger.ErrorContext(ctx, fmt.Sprintf("Error executing %s", data.Name), tint.Err(err))
	if notifyErr := r.notifyError(ctx, h); notifyErr != nil {
		logger.ErrorContext(ctx, "Failed to send error message", tint.Err(notifyErr))
	}
}

// execute runs the command, converting a panic into an error
func (r *CommandRouter) execute(
	ctx context.Context,
	cmd *Command,
	h InteractionHandler,
) (err error) {
	defer func() {
		if rc := recover(); rc != nil {
			logger := contextLoggerOr(ctx, r.logger)
			logger.ErrorContext(
				ctx,
				"recovered from panic",
				"panic_arg", rc,
				"stack_trace", string(debug.Stack()),
			)
			if e, ok := rc.(error); ok {
				err = fmt.Errorf("panic: %w", e)
			} else {
				err = fmt.Errorf("panic: %v", rc)
			}
		}
	}()
	return cmd.Execute(ctx, h)
}

// notifyError tells the user the command failed. Whether to follow up
// or respond is decided from the handler's state at the time of the
// failure.
func (r *CommandRouter) notifyError(ctx context.Context, h InteractionHandler) error {
	return replyEphemeral(ctx, h, commandErrorMessage)
}
