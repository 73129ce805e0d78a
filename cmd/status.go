package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/alejoacosta74/botstream/internal/registry"
	"github.com/alejoacosta74/botstream/internal/session"
	"github.com/alejoacosta74/botstream/internal/stream"
	"github.com/alejoacosta74/botstream/pkg/botstream"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// statusCmd represents the status command
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Check the channel of a bot once and print the connection status",
	Long: `Connect to a single bot, wait for the backend to acknowledge the
subscription and print the resulting connection status. Exits non-zero
when the bot cannot be reached.`,
	Example: "  botstream status --bot 7 --timeout 20s --json",
	Args:    cobra.NoArgs,
	RunE:    runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().Int("bot", 0, "Bot id to check")
	statusCmd.Flags().Duration("timeout", 30*time.Second, "Give up after this long")
	statusCmd.Flags().Bool("json", false, "Print the status record as JSON")
	statusCmd.MarkFlagRequired("bot")
}

// statusReport is what the status command prints
type statusReport struct {
	BotID   int             `json:"bot_id"`
	BotName string          `json:"bot_name,omitempty"`
	Record  registry.Record `json:"connection"`
	Error   string          `json:"error,omitempty"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	v := viper.GetViper()
	botID, _ := cmd.Flags().GetInt("bot")
	timeout, _ := cmd.Flags().GetDuration("timeout")
	asJSON, _ := cmd.Flags().GetBool("json")

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()
	go handleSignals(ctx, cancel)

	type outcome struct {
		botName string
		err     error
	}
	result := make(chan outcome, 1)
	settle := func(o outcome) {
		select {
		case result <- o:
		default:
		}
	}

	manager := stream.NewManager(streamConfig(v), session.NewViperProvider(v, keyToken), nil)
	defer manager.Close()

	_, err := manager.Connect(botID, stream.Handlers{
		OnConnectionEstablished: func(data json.RawMessage) {
			var o outcome
			if ce, err := botstream.Decode[botstream.ConnectionEstablished](data); err == nil {
				o.botName = ce.BotName
			}
			settle(o)
		},
		OnError: func(err error) {
			if errors.Is(err, stream.ErrReconnectBudgetExhausted) || errors.Is(err, stream.ErrMissingCredential) {
				settle(outcome{err: err})
			}
		},
	})
	if err != nil {
		settle(outcome{err: err})
	}

	report := statusReport{BotID: botID}
	var checkErr error
	select {
	case o := <-result:
		report.BotName = o.botName
		checkErr = o.err
	case <-ctx.Done():
		checkErr = fmt.Errorf("no answer from bot %d: %w", botID, ctx.Err())
	}

	report.Record = manager.Registry().Snapshot()
	if checkErr != nil {
		report.Error = checkErr.Error()
	}

	out := cmd.OutOrStdout()
	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			return err
		}
	} else {
		name := report.BotName
		if name == "" {
			name = fmt.Sprintf("bot %d", botID)
		}
		fmt.Fprintf(out, "%s: %s\n", name, report.Record.StatusText())
	}
	return checkErr
}
