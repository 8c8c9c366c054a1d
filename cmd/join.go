package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/psds-microservice/session-reservation-service/internal/model"
	"github.com/psds-microservice/session-reservation-service/pkg/bootstrap"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var joinOpts struct {
	server    string
	sessionID string
	channel   string
	role      string
	userID    string
	token     string
	appID     string
	watch     bool
	verbose   bool
}

var joinCmd = &cobra.Command{
	Use:   "join",
	Short: "Run the room bootstrap against a running server and print the outcome",
	RunE:  runJoin,
}

func init() {
	f := joinCmd.Flags()
	f.StringVar(&joinOpts.server, "server", "http://localhost:8090", "service base URL")
	f.StringVar(&joinOpts.sessionID, "session", "", "session, appointment or calendar slot id")
	f.StringVar(&joinOpts.channel, "channel", "", "RTC channel")
	f.StringVar(&joinOpts.role, "role", "Patient", "Patient or Psychologist")
	f.StringVar(&joinOpts.userID, "user", "", "caller user id (trusted-headers mode)")
	f.StringVar(&joinOpts.token, "token", "", "bearer access token (overrides --user)")
	f.StringVar(&joinOpts.appID, "app-id", "", "RTC app id (default $RTC_APP_ID)")
	f.BoolVar(&joinOpts.watch, "watch", false, "stay in the room until a lifecycle event or Ctrl+C")
	f.BoolVar(&joinOpts.verbose, "verbose", false, "log protocol steps")
	rootCmd.AddCommand(joinCmd)
}

func runJoin(cmd *cobra.Command, args []string) error {
	role, ok := model.ParseRole(joinOpts.role)
	if !ok {
		return fmt.Errorf("join: invalid role %q", joinOpts.role)
	}
	appID, err := rtcAppID(joinOpts.appID)
	if err != nil {
		return err
	}
	logger := zap.NewNop()
	if joinOpts.verbose {
		l, err := zap.NewDevelopment()
		if err != nil {
			return err
		}
		logger = l
	}
	defer func() { _ = logger.Sync() }()

	var opt bootstrap.ClientOption
	switch {
	case joinOpts.token != "":
		opt = bootstrap.WithBearerToken(joinOpts.token)
	case joinOpts.userID != "":
		opt = bootstrap.WithCaller(joinOpts.userID, role)
	default:
		return fmt.Errorf("join: --user or --token is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	left := make(chan bootstrap.Exit, 1)
	m, err := bootstrap.New(bootstrap.Config{
		Role:       role,
		SessionID:  joinOpts.sessionID,
		Channel:    joinOpts.channel,
		AppID:      appID,
		API:        bootstrap.NewHTTPClient(joinOpts.server, opt),
		Subscriber: bootstrap.NewWSSubscriber(joinOpts.server, nil, logger),
		Navigator: bootstrap.NavigatorFunc(func(e bootstrap.Exit) {
			left <- e
		}),
		Logger: logger,
	})
	if err != nil {
		return err
	}
	defer m.Close()

	out := cmd.OutOrStdout()
	res := m.Run(ctx)
	fmt.Fprintf(out, "state: %s\n", res.State)
	switch res.State {
	case bootstrap.StateReady, bootstrap.StateDegraded:
		fmt.Fprintf(out, "channel: %s\nuid: %d\n", res.Channel, res.UID)
		if len(res.Missing) > 0 {
			fmt.Fprintf(out, "missing: %v\n", res.Missing)
		}
	case bootstrap.StateFailed:
		fmt.Fprintf(out, "error: %v (retryable: %v)\n", res.Err, res.Retryable)
		return res.Err
	}
	if !joinOpts.watch {
		return nil
	}

	select {
	case e := <-left:
		fmt.Fprintf(out, "left room: %s %s\n", e.Reason, e.Notice)
	case <-ctx.Done():
	}
	return nil
}

// rtcAppID returns the flag value or RTC_APP_ID (.env is consulted too).
// Without an app id the room can never become ready.
func rtcAppID(flag string) (string, error) {
	if id := strings.TrimSpace(flag); id != "" {
		return id, nil
	}
	_ = godotenv.Load()
	if id := strings.TrimSpace(os.Getenv("RTC_APP_ID")); id != "" {
		return id, nil
	}
	return "", fmt.Errorf("join: --app-id or RTC_APP_ID is required")
}
