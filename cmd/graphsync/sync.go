package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/sanonone/graphsync/internal/config"
	"github.com/sanonone/graphsync/pkg/client"
	"github.com/sanonone/graphsync/pkg/engine"
	"github.com/sanonone/graphsync/pkg/model"
)

var syncCmd = &cobra.Command{
	Use:   "sync [flags] [file]",
	Short: "Run a headless editor session against a server",
	Long: `sync opens an editor session, optionally loads the latest saved revision,
submits the text of file (if given) and waits for the server to answer.
Components named with --delete are then removed on the canvas, which saves
the edited graph back. The resulting text or graph is printed.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runSync,
}

func init() {
	syncCmd.Flags().String("server", "", "override editor.server_url")
	syncCmd.Flags().String("transport", "", "override editor.transport (http|ws)")
	syncCmd.Flags().Bool("latest", false, "load the latest saved revision first")
	syncCmd.Flags().StringSlice("delete", nil, "component keys to delete after syncing")
	syncCmd.Flags().String("output", "text", "what to print (text|graph)")
	syncCmd.Flags().Duration("wait", 30*time.Second, "how long to wait for each server answer")
}

func runSync(cmd *cobra.Command, args []string) error {
	cfg, logger, err := setup(cmd)
	if err != nil {
		return err
	}
	if v, _ := cmd.Flags().GetString("server"); v != "" {
		cfg.Editor.ServerURL = v
	}
	if v, _ := cmd.Flags().GetString("transport"); v != "" {
		cfg.Editor.Transport = v
		if err := cfg.Validate(); err != nil {
			return err
		}
	}
	output, _ := cmd.Flags().GetString("output")
	if output != "text" && output != "graph" {
		return fmt.Errorf("--output must be text or graph, got %q", output)
	}
	wait, _ := cmd.Flags().GetDuration("wait")
	latest, _ := cmd.Flags().GetBool("latest")
	deletes, _ := cmd.Flags().GetStringSlice("delete")

	timeout, err := cfg.Editor.RequestTimeout()
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	transport, err := openTransport(ctx, cfg, timeout, logger)
	if err != nil {
		return err
	}

	events := make(chan engine.Event, 64)
	opts := engine.DefaultOptions(transport)
	opts.Logger = logger
	opts.RequestTimeout = timeout
	opts.Reporter = engine.ReporterFunc(func(e engine.Event) {
		engine.LogReporter{Logger: logger}.Report(e)
		select {
		case events <- e:
		default:
		}
	})
	sess, err := engine.Open(opts)
	if err != nil {
		transport.Close()
		return err
	}
	defer sess.Close()

	if latest {
		if err := loadLatest(ctx, cfg, timeout, sess); err != nil {
			return err
		}
	}

	if len(args) == 1 {
		text, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("failed to read diagram text: %w", err)
		}
		if _, err := sess.SubmitText(string(text)); err != nil {
			return err
		}
		if err := awaitEvent(events, engine.EventTextApplied, wait); err != nil {
			return err
		}
	}

	for _, key := range deletes {
		if err := sess.DeleteNode(parseKey(key)); err != nil {
			return fmt.Errorf("delete %s: %w", key, err)
		}
		if err := awaitEvent(events, engine.EventPersisted, wait); err != nil {
			return err
		}
	}

	out := cmd.OutOrStdout()
	if output == "text" {
		text, err := sess.Text()
		if err != nil {
			return err
		}
		fmt.Fprint(out, text)
		return nil
	}
	g, err := sess.Graph()
	if err != nil {
		return err
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(g.Document())
}

// parseKey reads a key the way the diagram language does: integers are
// numeric keys.
func parseKey(s string) model.Key {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return model.IntKey(n)
	}
	return model.StringKey(s)
}

func openTransport(ctx context.Context, cfg *config.Config, timeout time.Duration, logger *slog.Logger) (client.Transport, error) {
	switch cfg.Editor.Transport {
	case "ws":
		return client.DialWS(ctx, client.WSURL(cfg.Editor.ServerURL),
			client.WithWSAuthToken(cfg.Editor.AuthToken),
			client.WithWSLogger(logger),
		)
	default:
		return httpClient(cfg, timeout), nil
	}
}

func httpClient(cfg *config.Config, timeout time.Duration) *client.Client {
	opts := []client.Option{
		client.WithAuthToken(cfg.Editor.AuthToken),
		client.WithPaths(cfg.Server.ParsePath, cfg.Server.SavePath),
	}
	if timeout > 0 {
		opts = append(opts, client.WithTimeout(timeout))
	}
	return client.New(cfg.Editor.ServerURL, opts...)
}

// loadLatest installs the latest saved revision. A server with no saved
// revision is not an error.
func loadLatest(ctx context.Context, cfg *config.Config, timeout time.Duration, sess *engine.Session) error {
	c := httpClient(cfg, timeout)
	defer c.Close()

	rev, err := c.Latest(ctx)
	var apiErr *client.APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
		slog.Info("No saved revision to load")
		return nil
	}
	if err != nil {
		return err
	}
	return sess.Load(*rev)
}

// awaitEvent waits for an event of kind. Failure events end the wait with
// an error; stale and unrelated events are skipped.
func awaitEvent(events <-chan engine.Event, kind engine.EventKind, wait time.Duration) error {
	timer := time.NewTimer(wait)
	defer timer.Stop()
	for {
		select {
		case e := <-events:
			switch e.Kind {
			case kind:
				return nil
			case engine.EventProcessingFailure:
				return fmt.Errorf("server rejected the request: %s", e.Message)
			case engine.EventCommunicationFailure, engine.EventReconcileFailed:
				return fmt.Errorf("%s: %w", e.Kind, e.Err)
			}
		case <-timer.C:
			return fmt.Errorf("no %s event within %s", kind, wait)
		}
	}
}
