package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	modxcache "github.com/dgduncan/modx-cache"
	"github.com/dgduncan/modx-cache/internal/config"
	"github.com/dgduncan/modx-cache/providers/openai"
)

type chatFlags struct {
	session   string
	noCache   bool
	noStream  bool
	system    string
	model     string
	maxTokens int
}

func newChatCmd(load func() (config.Config, error)) *cobra.Command {
	f := &chatFlags{}

	cmd := &cobra.Command{
		Use:   "chat [message...]",
		Short: "Send one user turn, continuing the cached conversation of --session",
		Long: "chat sends a user message to the upstream model. With --session the prior turns " +
			"cached under that key are prepended and the completed turn is written back. " +
			"Without arguments the message is read from stdin.",
		RunE: func(cmd *cobra.Command, args []string) error {
			message, err := readMessage(args, cmd.InOrStdin())
			if err != nil {
				return err
			}

			return withApp(cmd, load, func(ctx context.Context, a *app) error {
				client, err := openai.New(&openai.Config{
					BaseURL: a.cfg.Upstream.BaseURL,
					APIKey:  a.cfg.Upstream.APIKey,
					Timeout: seconds(a.cfg.Upstream.TimeoutSeconds),
				}, a.logger)
				if err != nil {
					return usageError{err}
				}

				completer := modxcache.New(a.cache, &modxcache.Config{
					TurnTTL:            seconds(a.cfg.Conversation.TurnTTLSeconds),
					MaxContextMessages: a.cfg.Conversation.MaxContextMessages,
					TracerProvider:     a.telemetry.tracerProvider,
				}, nil, a.logger)(client)

				model := a.cfg.Upstream.Model
				if f.model != "" {
					model = f.model
				}

				return runChat(ctx, cmd.OutOrStdout(), completer, modxcache.Request{
					Model:               model,
					SystemPrompt:        f.system,
					Messages:            []modxcache.Message{{Role: modxcache.RoleUser, Content: message}},
					Stream:              !f.noStream,
					MaxCompletionTokens: f.maxTokens,
					Cache:               !f.noCache && f.session != "",
					CacheKey:            f.session,
				})
			})
		},
	}

	fl := cmd.Flags()
	fl.StringVarP(&f.session, "session", "s", "", "conversation cache key")
	fl.BoolVar(&f.noCache, "no-cache", false, "do not read or write the cached conversation")
	fl.BoolVar(&f.noStream, "no-stream", false, "wait for the whole answer instead of streaming it")
	fl.StringVar(&f.system, "system", "", "system prompt")
	fl.StringVarP(&f.model, "model", "m", "", "model name (overrides the configured model)")
	fl.IntVar(&f.maxTokens, "max-tokens", 0, "maximum completion tokens, 0 for the upstream default")

	return cmd
}

func readMessage(args []string, stdin io.Reader) (string, error) {
	var message string
	if len(args) == 0 || (len(args) == 1 && args[0] == "-") {
		b, err := io.ReadAll(stdin)
		if err != nil {
			return "", fmt.Errorf("reading stdin: %w", err)
		}
		message = string(b)
	} else {
		message = strings.Join(args, " ")
	}

	message = strings.TrimSpace(message)
	if message == "" {
		return "", usageError{errors.New("empty message")}
	}
	return message, nil
}

func runChat(ctx context.Context, out io.Writer, completer modxcache.Completer, req modxcache.Request) error {
	if !req.Stream {
		completion, err := completer.Complete(ctx, req)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, completion.Message.Content)
		return nil
	}

	s, err := completer.Stream(ctx, req)
	if err != nil {
		return err
	}

	err = s.ForEach(ctx, func(_ context.Context, chunk modxcache.Chunk) error {
		_, err := io.WriteString(out, chunk.Delta.Content)
		return err
	})
	fmt.Fprintln(out)
	return err
}
