package gateway

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/keel-agent/keel/pkg/models"
)

// CLIAdapter reads lines from a local terminal and prints replies. The
// cli channel is a local surface, so authority always resolves OWNER.
type CLIAdapter struct {
	gateway *Gateway
	in      io.Reader
	out     io.Writer
	userID  string
	logger  *slog.Logger
}

// NewCLIAdapter builds the terminal adapter over the given streams.
func NewCLIAdapter(g *Gateway, in io.Reader, out io.Writer, logger *slog.Logger) *CLIAdapter {
	if logger == nil {
		logger = slog.Default()
	}
	a := &CLIAdapter{
		gateway: g,
		in:      in,
		out:     out,
		userID:  "local",
		logger:  logger.With("component", "cli"),
	}
	g.RegisterNotifier(func(ctx context.Context, text string) {
		fmt.Fprintln(a.out, text)
	})
	return a
}

// Run reads input lines until EOF or cancellation. Each line is one
// user turn.
func (a *CLIAdapter) Run(ctx context.Context) error {
	scanner := bufio.NewScanner(a.in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		if text == "/quit" || text == "/exit" {
			return nil
		}

		out := a.gateway.Handle(ctx, models.Inbound{
			Channel: models.ChannelCLI,
			UserID:  a.userID,
			Text:    text,
		})
		fmt.Fprintln(a.out, out.ReplyText)
	}
	return scanner.Err()
}
