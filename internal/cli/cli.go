package cli

import (
	"context"
	"io"
	"os"

	"github.com/alecthomas/kong"
)

// Version is set at build time with -ldflags "-X ...cli.Version=...".
var Version = "dev"

// CLI is the main CLI structure with embedded context
type CLI struct {
	ctx context.Context // Store context for commands to use
	out io.Writer

	LogLevel string `help:"Override log.level from the configuration" placeholder:"LEVEL"`

	Serve      ServeCmd      `cmd:"serve" help:"Run the notification endpoint and keep every resource delivering changes"`
	Activate   ActivateCmd   `cmd:"activate" help:"Create push subscriptions (the endpoint must be reachable for the handshake)"`
	Renew      RenewCmd      `cmd:"renew" help:"Extend active subscriptions now"`
	Deactivate DeactivateCmd `cmd:"deactivate" help:"Delete subscriptions and their local keys"`
	Status     StatusCmd     `cmd:"status" help:"Show subscription and poll state per resource"`
	Poll       PollCmd       `cmd:"poll" help:"Run one poll cycle"`
	Simulate   SimulateCmd   `cmd:"simulate" help:"Post a locally encrypted delivery to a running endpoint"`
	Config     ConfigCmd     `cmd:"config" help:"Manage configuration"`
	Version    VersionCmd    `cmd:"version" help:"Show version"`
}

// Context returns the CLI's context for use by commands.
// This allows commands to access the context without directly accessing
// the unexported ctx field.
func (c *CLI) Context() context.Context {
	return c.ctx
}

// Out is where commands print their results.
func (c *CLI) Out() io.Writer {
	if c.out == nil {
		return os.Stdout
	}
	return c.out
}

func options() []kong.Option {
	return []kong.Option{
		kong.Name("changefeed"),
		kong.Description("Delivers Teams message changes through encrypted push subscriptions with polling fallback."),
		kong.UsageOnError(),
	}
}

// ExecuteWithContext executes the CLI with a context that can be cancelled
func ExecuteWithContext(ctx context.Context) error {
	cli := &CLI{ctx: ctx}
	kongCtx := kong.Parse(cli, options()...)

	// Bind CLI instance so commands can access the context
	return kongCtx.Run(cli)
}

// Execute executes the CLI with a background context (for backwards compatibility)
func Execute() error {
	return ExecuteWithContext(context.Background())
}

// run parses args without exiting the process.
func run(ctx context.Context, out io.Writer, args ...string) error {
	cli := &CLI{ctx: ctx, out: out}
	parser, err := kong.New(cli, append(options(), kong.Exit(func(int) {}), kong.Writers(out, out))...)
	if err != nil {
		return err
	}
	kongCtx, err := parser.Parse(args)
	if err != nil {
		return err
	}
	return kongCtx.Run(cli)
}
