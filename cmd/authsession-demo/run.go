package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/panyam/authsession"
	"github.com/panyam/authsession/internal/testserver"
	"github.com/panyam/authsession/stores/fs"
)

const (
	demoUser     = "demo"
	demoPassword = "demo-password"
)

type runOptions struct {
	configPath  string
	storePath   string
	requests    int
	failRefresh bool
	verbose     bool
}

func newRunCmd() *cobra.Command {
	opts := &runOptions{}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the refresh demo",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDemo(cmd.Context(), cmd.OutOrStdout(), opts)
		},
	}

	cmd.Flags().StringVar(&opts.configPath, "config", "", "YAML session config (bufferInterval, bufferWaitLimit, csrfToken)")
	cmd.Flags().StringVar(&opts.storePath, "store", "", "session file (default: a temporary directory)")
	cmd.Flags().IntVarP(&opts.requests, "requests", "n", 5, "number of concurrent requests per batch")
	cmd.Flags().BoolVar(&opts.failRefresh, "fail-refresh", false, "make the server reject the refresh")
	cmd.Flags().BoolVarP(&opts.verbose, "verbose", "v", false, "enable debug logging")
	return cmd
}

func runDemo(ctx context.Context, out io.Writer, opts *runOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if opts.requests < 1 {
		return fmt.Errorf("--requests must be at least 1")
	}

	level := slog.LevelInfo
	if opts.verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	cfg := authsession.DefaultConfig()
	if opts.configPath != "" {
		loaded, err := authsession.LoadConfig(opts.configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}

	srv := testserver.New()
	if err := srv.AddUser(demoUser, demoPassword); err != nil {
		return err
	}
	baseURL, shutdown, err := serve(srv.Handler())
	if err != nil {
		return err
	}
	defer shutdown()

	storePath := opts.storePath
	if storePath == "" {
		dir, err := os.MkdirTemp("", "authsession-demo-")
		if err != nil {
			return fmt.Errorf("failed to create temp dir: %w", err)
		}
		defer os.RemoveAll(dir)
		storePath = filepath.Join(dir, "session.json")
	}
	store, err := fs.NewStore(storePath, "")
	if err != nil {
		return err
	}

	watchCtx, stopWatch := context.WithCancel(ctx)
	defer stopWatch()
	if err := store.Watch(watchCtx, authsession.DefaultStorageKey, func(value []byte, ok bool) {
		logger.Debug("session file changed", "path", store.Path(), "present", ok)
	}); err != nil {
		logger.Warn("not watching session file", "err", err)
	}

	api := testserver.NewAuthAPI(baseURL, nil)
	session := authsession.New(store, authsession.WithLogger(logger))

	cfg.Events = authsession.Events{
		Login:           func() { fmt.Fprintln(out, "event: login") },
		Logout:          func() { fmt.Fprintln(out, "event: logout") },
		TokenExpiration: api.Refresh,
	}
	if err := session.Initialize(ctx, cfg); err != nil {
		return err
	}

	tok, err := api.Login(ctx, demoUser, demoPassword)
	if err != nil {
		return err
	}
	session.SetCsrfToken(api.CSRFToken())
	session.Login(tok.AccessToken)

	fmt.Fprintf(out, "batch 1: %d requests with a valid token\n", opts.requests)
	fireBatch(ctx, out, session.Client(), baseURL, opts.requests)

	srv.RevokeTokens()
	srv.SetRefreshFailure(opts.failRefresh)
	fmt.Fprintf(out, "tokens revoked; batch 2: %d requests\n", opts.requests)
	fireBatch(ctx, out, session.Client(), baseURL, opts.requests)

	fmt.Fprintf(out, "refreshes issued by server: %d, logged in: %v\n", srv.Refreshes(), session.HasAccessToken())
	return nil
}

func fireBatch(ctx context.Context, out io.Writer, client *http.Client, baseURL string, n int) {
	var wg sync.WaitGroup
	lines := make([]string, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			lines[i] = fetchItem(ctx, client, fmt.Sprintf("%s/api/items/%d", baseURL, i))
		}()
	}
	wg.Wait()

	for i, line := range lines {
		fmt.Fprintf(out, "  item %d: %s\n", i, line)
	}
}

func fetchItem(ctx context.Context, client *http.Client, url string) string {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err.Error()
	}
	resp, err := client.Do(req)
	if err != nil {
		if errors.Is(err, authsession.ErrRefreshFailed) {
			return "rejected: refresh failed"
		}
		return "error: " + err.Error()
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Sprintf("HTTP %d", resp.StatusCode)
	}
	var item testserver.ItemResponse
	if err := json.NewDecoder(resp.Body).Decode(&item); err != nil {
		return "invalid response: " + err.Error()
	}
	return fmt.Sprintf("ok (user %s, token ...%s)", item.User, tail(item.Authorization, 8))
}

func serve(handler http.Handler) (baseURL string, shutdown func(), err error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", nil, fmt.Errorf("failed to listen: %w", err)
	}

	server := &http.Server{Handler: handler, ReadHeaderTimeout: 5 * time.Second}
	go server.Serve(ln)

	return "http://" + ln.Addr().String(), func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		server.Shutdown(ctx)
	}, nil
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
