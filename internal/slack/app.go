// Package slack connects beluga-cat to Slack: Socket Mode events in,
// conversation threads out.
package slack

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/slack-go/slack"
	"github.com/slack-go/slack/socketmode"
)

// App is the Slack bot application using Socket Mode.
type App struct {
	api    *SafeSlackClient
	socket *socketmode.Client
	logger zerolog.Logger
}

// NewApp creates a new Slack bot app. allowedChannels restricts which
// channels the bot can write to; empty means unrestricted.
func NewApp(botToken, appToken string, allowedChannels []string, debug bool, logger zerolog.Logger) *App {
	rawAPI := slack.New(
		botToken,
		slack.OptionAppLevelToken(appToken),
		slack.OptionDebug(debug),
	)

	return &App{
		api:    NewSafeSlackClient(rawAPI, allowedChannels, logger),
		socket: socketmode.New(rawAPI),
		logger: logger.With().Str("component", "slack").Logger(),
	}
}

// API returns the allowlisted client.
func (a *App) API() *SafeSlackClient { return a.api }

// Identify checks the bot token and returns the bot's user id.
func (a *App) Identify(ctx context.Context) (string, error) {
	resp, err := a.api.AuthTestContext(ctx)
	if err != nil {
		return "", fmt.Errorf("slack auth test: %w", err)
	}
	a.logger.Info().
		Str("bot_user", resp.UserID).
		Str("team", resp.Team).
		Msg("authenticated with Slack")
	return resp.UserID, nil
}

// Run starts the Socket Mode event loop and feeds events to handler.
// Blocks until ctx is cancelled.
func (a *App) Run(ctx context.Context, handler *Handler) error {
	a.logger.Info().Msg("starting Slack Socket Mode connection")
	handler.SetSocket(a.socket)

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case evt, ok := <-a.socket.Events:
				if !ok {
					return
				}
				handler.HandleEvent(ctx, evt)
			}
		}
	}()

	if err := a.socket.RunContext(ctx); err != nil && ctx.Err() == nil {
		return fmt.Errorf("socket mode error: %w", err)
	}
	a.logger.Info().Msg("Slack Socket Mode stopped")
	return nil
}
