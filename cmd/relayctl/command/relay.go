package command

// relay.go = peer-side commands: send MEs to the relay and listen to what it
// forwards.

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/smartobjectoriented/soo/cmd/relayctl/command/client"
	"github.com/smartobjectoriented/soo/internal/protocol"
)

var sendCmd = &cobra.Command{
	Use:   "send [payload...]",
	Short: "Send each argument (or a file) as one ME",
	Long: `Connects to the relay as a peer and sends one ME per argument.
With --file the whole file becomes a single ME. Every other connected peer
receives the messages verbatim.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		file, _ := cmd.Flags().GetString("file")
		linger, _ := cmd.Flags().GetDuration("linger")

		payloads, err := collectPayloads(args, file)
		if err != nil {
			return err
		}

		c := client.NewRelayClient(relayAddr)
		if err := c.Connect(10 * time.Second); err != nil {
			return err
		}
		defer c.Close()

		for _, p := range payloads {
			if err := c.Send(p); err != nil {
				return err
			}
		}
		// give the relay time to read before the close races the data
		time.Sleep(linger)

		stats := c.GetStats()
		color.Green("✓ Sent %d message(s), %d bytes to %s", stats.MessagesSent, stats.BytesSent, relayAddr)
		return nil
	},
}

var listenCmd = &cobra.Command{
	Use:   "listen",
	Short: "Connect as a peer and print every ME the relay forwards",
	RunE: func(cmd *cobra.Command, args []string) error {
		count, _ := cmd.Flags().GetInt("count")
		previewLen, _ := cmd.Flags().GetInt("preview")

		c := client.NewRelayClient(relayAddr)
		if err := c.Connect(10 * time.Second); err != nil {
			return err
		}
		defer c.Close()

		color.Green("🔌 Listening on %s as %s (Ctrl+C to stop)", relayAddr, c.LocalAddr())

		interrupt := make(chan os.Signal, 1)
		signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(interrupt)
		go func() {
			<-interrupt
			c.Close()
		}()

		received := 0
		err := c.ReadLoop(func(m protocol.Message) {
			printMessage(m, previewLen)
			if !m.IsProbe() {
				received++
				if count > 0 && received >= count {
					c.Close()
				}
			}
		})

		stats := c.GetStats()
		color.HiBlack("received %d message(s), %d bytes, %d probe(s)",
			stats.MessagesReceived, stats.BytesReceived, stats.ProbesReceived)
		return err
	},
}

func collectPayloads(args []string, file string) ([][]byte, error) {
	if file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", file, err)
		}
		return [][]byte{data}, nil
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("nothing to send: pass payload arguments or --file")
	}
	payloads := make([][]byte, 0, len(args))
	for _, a := range args {
		payloads = append(payloads, []byte(a))
	}
	return payloads, nil
}

// printMessage shows one forwarded ME. A data ME with a 4-byte payload has
// the probe layout too, so probes are labelled as such, not proven.
func printMessage(m protocol.Message, previewLen int) {
	ts := time.Now().Format("15:04:05.000")
	if m.IsProbe() {
		threshold, _ := m.ProbeThreshold()
		color.Yellow("%s  probe      idle threshold %s", ts, threshold)
		return
	}
	color.Cyan("%s  ME %6d B  %s", ts, m.PayloadLen(), client.Preview(m.Payload(), previewLen))
}

func init() {
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(listenCmd)

	sendCmd.Flags().StringP("file", "f", "", "send the file content as one ME")
	sendCmd.Flags().Duration("linger", 100*time.Millisecond, "wait before closing the connection")

	listenCmd.Flags().IntP("count", "n", 0, "exit after this many data messages (0 = run until interrupted)")
	listenCmd.Flags().Int("preview", 64, "payload bytes to print per message")
}
