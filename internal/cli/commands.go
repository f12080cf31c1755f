package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/NissesSenap/teams-changefeed/internal/config"
	"github.com/NissesSenap/teams-changefeed/internal/envelope"
	"github.com/NissesSenap/teams-changefeed/internal/ingress"
	"github.com/NissesSenap/teams-changefeed/internal/logging"
	"github.com/NissesSenap/teams-changefeed/internal/poller"
	"github.com/NissesSenap/teams-changefeed/internal/sealed"
	"github.com/NissesSenap/teams-changefeed/internal/subscription"
	"github.com/NissesSenap/teams-changefeed/internal/watch"
)

const (
	shutdownTimeout   = 15 * time.Second
	readHeaderTimeout = 10 * time.Second
	simulateTimeout   = 10 * time.Second
)

type ServeCmd struct {
	Listen string `help:"Override webhook.listen_addr" placeholder:"ADDR"`
}

type ActivateCmd struct {
	Resources []string `arg:"" optional:"" help:"Resources to activate (default all)"`
}

type RenewCmd struct {
	Resources []string `arg:"" optional:"" help:"Resources to renew (default all)"`
}

type DeactivateCmd struct {
	Resources   []string `arg:"" optional:"" help:"Resources to deactivate (default all)"`
	ResetCursor bool     `help:"Also forget the poll cursor"`
}

type StatusCmd struct{}

type PollCmd struct {
	Resources []string `arg:"" optional:"" help:"Resources to poll (default all)"`
	Manual    bool     `help:"Fetch the latest item without moving the cursor"`
	Reset     bool     `help:"Forget the cursor before polling"`
}

type SimulateCmd struct {
	Resource   string `arg:"" help:"Resource whose subscription key seals the delivery"`
	URL        string `help:"Endpoint to post to (default: the resource's public notification URL)"`
	Text       string `help:"Message body text" default:"simulated change"`
	ChangeType string `help:"changeType of the notification" default:"created"`
}

type ConfigCmd struct {
	Show ConfigShowCmd `cmd:"" help:"Print the effective configuration"`
	Init ConfigInitCmd `cmd:"" help:"Write a default configuration file"`
}

type ConfigShowCmd struct{}

type ConfigInitCmd struct {
	Force    bool `help:"Overwrite an existing file"`
	Identity bool `help:"Generate an age identity for sealing keys at rest"`
}

type VersionCmd struct{}

func (c *ServeCmd) Run(cli *CLI) error {
	a, err := cli.newApp(needs{graph: true, sink: true})
	if err != nil {
		return err
	}
	defer a.Close()

	addr := a.cfg.Webhook.ListenAddr
	if c.Listen != "" {
		addr = c.Listen
	}

	srv := ingress.NewServer(a.cfg.Webhook.MaxBodyBytes, logging.Component(a.logger, "ingress"))
	ws, err := a.watchers(nil)
	if err != nil {
		return err
	}
	for _, w := range ws {
		srv.Register(w.Handler())
	}

	// Listen before subscriptions are created: Graph validates the
	// notification URL while the create request is in flight.
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	httpSrv := &http.Server{
		Handler:           ingress.NewRouter(srv),
		ReadHeaderTimeout: readHeaderTimeout,
	}
	a.logger.Info().Str("addr", ln.Addr().String()).Int("resources", len(ws)).Msg("serving")

	g, ctx := errgroup.WithContext(cli.Context())
	g.Go(func() error {
		if err := httpSrv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serving: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return a.runner.Run(ctx)
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := httpSrv.Shutdown(shutdownCtx)
		if waitErr := srv.Wait(shutdownCtx); waitErr != nil {
			a.logger.Warn().Err(waitErr).Msg("deliveries still in flight at shutdown")
		}
		return err
	})
	return g.Wait()
}

func (c *ActivateCmd) Run(cli *CLI) error {
	a, err := cli.newApp(needs{graph: true})
	if err != nil {
		return err
	}
	defer a.Close()

	ws, err := a.watchers(c.Resources)
	if err != nil {
		return err
	}
	var errs []error
	for _, w := range ws {
		if !w.PushEnabled() {
			fmt.Fprintf(cli.Out(), "%s: push disabled, polling only\n", w.Name())
			continue
		}
		if err := w.Start(cli.Context()); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", w.Name(), err))
			continue
		}
		printRecord(cli.Out(), w)
	}
	return errors.Join(errs...)
}

func (c *RenewCmd) Run(cli *CLI) error {
	a, err := cli.newApp(needs{graph: true})
	if err != nil {
		return err
	}
	defer a.Close()

	ws, err := a.watchers(c.Resources)
	if err != nil {
		return err
	}
	var errs []error
	for _, w := range ws {
		m := w.Manager()
		if err := m.Restore(cli.Context()); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", w.Name(), err))
			continue
		}
		if m.State() != subscription.Active {
			fmt.Fprintf(cli.Out(), "%s: no active subscription\n", w.Name())
			continue
		}
		if _, err := m.Renew(cli.Context()); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", w.Name(), err))
			continue
		}
		printRecord(cli.Out(), w)
	}
	return errors.Join(errs...)
}

func (c *DeactivateCmd) Run(cli *CLI) error {
	a, err := cli.newApp(needs{graph: true})
	if err != nil {
		return err
	}
	defer a.Close()

	ws, err := a.watchers(c.Resources)
	if err != nil {
		return err
	}
	var errs []error
	for _, w := range ws {
		if err := w.Manager().Restore(cli.Context()); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", w.Name(), err))
			continue
		}
		if err := w.Deactivate(cli.Context()); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", w.Name(), err))
			continue
		}
		if c.ResetCursor {
			if err := w.Poller().Reset(cli.Context()); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", w.Name(), err))
				continue
			}
		}
		fmt.Fprintf(cli.Out(), "%s: deactivated\n", w.Name())
	}
	return errors.Join(errs...)
}

func (c *StatusCmd) Run(cli *CLI) error {
	a, err := cli.newApp(needs{})
	if err != nil {
		return err
	}
	defer a.Close()
	ctx := cli.Context()

	ws, err := a.watchers(nil)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(cli.Out(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "RESOURCE\tKIND\tPUSH\tSTATE\tSUBSCRIPTION\tEXPIRES\tCURSOR")
	configured := make(map[string]bool, len(ws))
	for _, w := range ws {
		configured[w.Name()] = true
		if err := w.Manager().Restore(ctx); err != nil {
			return fmt.Errorf("%s: %w", w.Name(), err)
		}
		id, expires := "-", "-"
		if rec, ok := w.Manager().Record(); ok {
			id = rec.ID
			expires = rec.ExpiresAt.Format(time.RFC3339)
		}
		cur, err := w.Poller().Cursor(ctx)
		if err != nil {
			return fmt.Errorf("%s: %w", w.Name(), err)
		}
		fmt.Fprintf(tw, "%s\t%s\t%t\t%s\t%s\t%s\t%s\n",
			w.Name(), w.Resource().Kind, w.PushEnabled(), w.Manager().State(), id, expires, describeCursor(cur))
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	instances, err := a.store.Instances(ctx)
	if err != nil {
		return err
	}
	for _, inst := range instances {
		if !configured[inst] {
			fmt.Fprintf(cli.Out(), "state kept for unconfigured resource %q\n", inst)
		}
	}
	return nil
}

func describeCursor(c poller.Cursor) string {
	switch {
	case c.DeltaToken != "":
		return "delta token"
	case !c.LastCheckedAt.IsZero():
		return c.LastCheckedAt.Format(time.RFC3339)
	}
	return "-"
}

func (c *PollCmd) Run(cli *CLI) error {
	a, err := cli.newApp(needs{graph: true, sink: true})
	if err != nil {
		return err
	}
	defer a.Close()
	ctx := cli.Context()

	ws, err := a.watchers(c.Resources)
	if err != nil {
		return err
	}
	mode := poller.ModeScheduled
	if c.Manual {
		mode = poller.ModeManual
	}
	var errs []error
	for _, w := range ws {
		if c.Reset {
			if err := w.Poller().Reset(ctx); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", w.Name(), err))
				continue
			}
		}
		recs, err := w.Poll(ctx, mode)
		switch {
		case errors.Is(err, poller.ErrNoDataFound):
			fmt.Fprintf(cli.Out(), "%s: no data found\n", w.Name())
		case err != nil:
			errs = append(errs, fmt.Errorf("%s: %w", w.Name(), err))
		default:
			fmt.Fprintf(cli.Out(), "%s: %d record(s)\n", w.Name(), len(recs))
		}
	}
	return errors.Join(errs...)
}

func (c *SimulateCmd) Run(cli *CLI) error {
	a, err := cli.newApp(needs{})
	if err != nil {
		return err
	}
	defer a.Close()
	ctx := cli.Context()

	ws, err := a.watchers([]string{c.Resource})
	if err != nil {
		return err
	}
	w := ws[0]
	m := w.Manager()
	if err := m.Restore(ctx); err != nil {
		return err
	}
	rec, ok := m.Record()
	if !ok {
		return fmt.Errorf("%s has no subscription; run activate first", w.Name())
	}
	key, _, found := m.ResolveKey(ctx, rec.CertificateFingerprint)
	if !found {
		return fmt.Errorf("%s: subscription key is missing", w.Name())
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	payload, err := json.Marshal(map[string]any{
		"id":                   uuid.NewString(),
		"createdDateTime":      now,
		"lastModifiedDateTime": now,
		"body":                 map[string]string{"contentType": "text", "content": c.Text},
	})
	if err != nil {
		return err
	}
	sealedContent, err := envelope.Seal(payload, rec.CertificateFingerprint, &key.PublicKey)
	if err != nil {
		return err
	}
	body, err := json.Marshal(map[string]any{"value": []any{ingress.Notification{
		SubscriptionID:   rec.ID,
		ChangeType:       c.ChangeType,
		Resource:         rec.Resource,
		ClientState:      rec.ClientState,
		EncryptedContent: sealedContent,
	}}})
	if err != nil {
		return err
	}

	target := c.URL
	if target == "" {
		target = w.NotificationURL()
	}
	ctx, cancel := context.WithTimeout(ctx, simulateTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("posting to %s: %w", target, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("endpoint answered %s", resp.Status)
	}
	fmt.Fprintf(cli.Out(), "%s: delivered simulated change to %s\n", w.Name(), target)
	return nil
}

func (c *ConfigShowCmd) Run(cli *CLI) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg.Redacted())
	if err != nil {
		return err
	}
	fmt.Fprintf(cli.Out(), "# %s\n%s", config.ConfigPath(), data)
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(cli.Out(), "# invalid: %v\n", err)
	}
	return nil
}

func (c *ConfigInitCmd) Run(cli *CLI) error {
	path := config.ConfigPath()
	if _, err := os.Stat(path); err == nil && !c.Force {
		return fmt.Errorf("%s already exists; use --force to overwrite", path)
	}

	cfg := config.DefaultConfig()
	if c.Identity {
		idPath := filepath.Join(filepath.Dir(path), "identity.age")
		// Keys already sealed to an existing identity must stay readable.
		id, err := sealed.LoadIdentityFile(idPath)
		if errors.Is(err, os.ErrNotExist) {
			id, err = sealed.GenerateIdentityFile(idPath)
		}
		if err != nil {
			return err
		}
		cfg.Storage.IdentityFile = idPath
		fmt.Fprintf(cli.Out(), "age identity written to %s (recipient %s)\n", idPath, id.Recipient())
	}
	if err := cfg.Save(); err != nil {
		return err
	}
	fmt.Fprintf(cli.Out(), "configuration written to %s\n", path)
	return nil
}

func (c *VersionCmd) Run(cli *CLI) error {
	fmt.Fprintf(cli.Out(), "changefeed version: %s\n", Version)
	return nil
}

func printRecord(out io.Writer, w *watch.Watcher) {
	rec, ok := w.Manager().Record()
	if !ok {
		fmt.Fprintf(out, "%s: %s\n", w.Name(), w.Manager().State())
		return
	}
	fmt.Fprintf(out, "%s: %s subscription %s expires %s\n",
		w.Name(), w.Manager().State(), rec.ID, rec.ExpiresAt.Format(time.RFC3339))
}
