package command

// admin.go = operator commands backed by the admin API.

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/smartobjectoriented/soo/cmd/relayctl/authentication"
	"github.com/smartobjectoriented/soo/cmd/relayctl/command/client"
	"github.com/smartobjectoriented/soo/internal/microservices/http-api/dto"
	relayws "github.com/smartobjectoriented/soo/internal/microservices/websocket"
)

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Log in to the admin API and store the token in the OS keyring",
	RunE: func(cmd *cobra.Command, args []string) error {
		username, _ := cmd.Flags().GetString("username")
		password, _ := cmd.Flags().GetString("password")

		httpClient := client.NewHTTPClient(apiURL)
		response, err := httpClient.Login(username, password)
		if err != nil {
			return fmt.Errorf("login failed: %w", err)
		}

		err = authentication.StoreTokens(&authentication.StoredCredentials{
			AccessToken: response.AccessToken,
			Username:    username,
			APIURL:      apiURL,
			ExpiresAt:   time.Now().Add(time.Duration(response.ExpiresIn) * time.Second).Unix(),
		})
		if err != nil {
			return fmt.Errorf("failed to store token: %w", err)
		}

		color.Green("✓ Logged in as %s (token valid for %s)", username,
			time.Duration(response.ExpiresIn)*time.Second)
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Remove the stored admin token",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := authentication.DeleteTokens(); err != nil {
			return err
		}
		color.Green("✓ Logged out")
		return nil
	},
}

var peersCmd = &cobra.Command{
	Use:   "peers",
	Short: "List peers currently connected to the relay",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := authedClient()
		if err != nil {
			return err
		}
		resp, err := c.Peers()
		if err != nil {
			return err
		}

		color.Cyan("%d peer(s) connected", resp.Count)
		for _, p := range resp.Peers {
			fmt.Printf("  %-24s  since %s  in %d msg / %d B  probes %d\n",
				p.Remote, p.ConnectedAt.Local().Format(time.DateTime), p.MessagesIn, p.BytesIn, p.ProbesSent)
		}
		return nil
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show relay counters",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := authedClient()
		if err != nil {
			return err
		}
		s, err := c.Stats()
		if err != nil {
			return err
		}

		color.Cyan("relay up %s", time.Duration(s.UptimeSeconds)*time.Second)
		fmt.Printf("  peers        %d active, %d total, %d closed\n", s.ActivePeers, s.TotalConns, s.ClosedConns)
		fmt.Printf("  inbound      %d msg, %d B\n", s.MessagesIn, s.BytesIn)
		fmt.Printf("  outbound     %d msg, %d B\n", s.MessagesOut, s.BytesOut)
		if s.FailedWrites > 0 {
			color.Red("  failed       %d writes", s.FailedWrites)
		}
		fmt.Printf("  probes sent  %d\n", s.ProbesSent)
		for name, n := range s.Dropped {
			if n > 0 {
				color.Yellow("  dropped      %d %s event(s)", n, name)
			}
		}
		return nil
	},
}

var sessionsCmd = &cobra.Command{
	Use:   "sessions [session-id]",
	Short: "List recently closed relay sessions, or show one",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		peer, _ := cmd.Flags().GetString("peer")
		limit, _ := cmd.Flags().GetInt("limit")

		c, err := authedClient()
		if err != nil {
			return err
		}

		if len(args) == 1 {
			s, err := c.Session(args[0])
			if err != nil {
				return err
			}
			color.Cyan("session %s", s.SessionID)
			printSession(*s)
			return nil
		}

		resp, err := c.Sessions(peer, limit)
		if err != nil {
			return err
		}

		color.Cyan("%d of %d session(s)", len(resp.Sessions), resp.Total)
		for _, s := range resp.Sessions {
			printSession(s)
		}
		return nil
	},
}

func printSession(s dto.SessionResponse) {
	fmt.Printf("  %-24s  %s  %8.1fs  in %d msg / %d B  %s\n",
		s.PeerAddr, s.DisconnectedAt.Local().Format(time.DateTime), s.DurationSeconds,
		s.MessagesIn, s.BytesIn, s.Reason)
}

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Stream relay events live",
	RunE: func(cmd *cobra.Command, args []string) error {
		peer, _ := cmd.Flags().GetString("peer")

		creds, err := authentication.ValidToken()
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		color.Green("🔌 Monitoring %s (Ctrl+C to stop)", apiURL)
		return client.Monitor(ctx, apiURL, creds.AccessToken, peer, printEvent)
	},
}

func authedClient() (*client.HTTPClient, error) {
	creds, err := authentication.ValidToken()
	if err != nil {
		return nil, err
	}
	c := client.NewHTTPClient(apiURL)
	c.SetToken(creds.AccessToken)
	return c, nil
}

func printEvent(ev *relayws.Event) {
	ts := ev.Timestamp.Local().Format("15:04:05.000")
	switch ev.Type {
	case relayws.TypePeerConnected:
		color.Green("%s  + %s", ts, ev.Peer)
	case relayws.TypePeerDisconnected:
		color.Red("%s  - %s (%s)", ts, ev.Peer, ev.Reason)
	case relayws.TypeMessageRelayed:
		delivered, failed := 0, 0
		if ev.Report != nil {
			delivered, failed = ev.Report.Delivered, ev.Report.Failed
		}
		color.Cyan("%s  > %s  %d B -> %d peer(s), %d failed", ts, ev.Peer, ev.Size, delivered, failed)
	case relayws.TypeProbeSent:
		color.Yellow("%s  ? %s idle, probe sent", ts, ev.Peer)
	default:
		color.HiBlack("%s  %s %s", ts, ev.Type, ev.Peer)
	}
}

func init() {
	rootCmd.AddCommand(loginCmd, logoutCmd, peersCmd, statsCmd, sessionsCmd, monitorCmd)

	loginCmd.Flags().StringP("username", "u", "admin", "admin username")
	loginCmd.Flags().StringP("password", "p", "", "admin password")
	loginCmd.MarkFlagRequired("password")

	sessionsCmd.Flags().String("peer", "", "only sessions of this peer address")
	sessionsCmd.Flags().IntP("limit", "n", 20, "number of sessions")

	monitorCmd.Flags().String("peer", "", "only events of this peer address")
}
