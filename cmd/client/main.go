package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"pm_chat/internal/config"
	"pm_chat/internal/model"
	"pm_chat/internal/service/app"
	"pm_chat/internal/service/crypto"
	"pm_chat/internal/service/messenger"
	"pm_chat/internal/service/transport"
	"pm_chat/internal/utils/log"
)

var (
	configPath string
	cfg        *config.Config

	userID     string
	passphrase string
	token      string
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "pmchat",
		Short:        "End-to-end encrypted chat client",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			cfg, err = config.Load(configPath)
			if err != nil {
				return err
			}
			if _, err := log.Setup(cfg.Log); err != nil {
				return err
			}
			if userID == "" {
				userID = cfg.Client.UserID
			}
			if token == "" {
				token = cfg.Client.Token
			}
			if passphrase == "" {
				passphrase = os.Getenv("PMCHAT_PASSPHRASE")
			}
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) { log.Sync() },
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (yaml)")
	root.PersistentFlags().StringVarP(&userID, "user", "u", "", "your user id")
	root.PersistentFlags().StringVarP(&passphrase, "passphrase", "p", "", "passphrase protecting the identity key")
	root.PersistentFlags().StringVar(&token, "token", "", "relay access token")

	root.AddCommand(keygenCmd(), chatCmd(), sendCmd(), receiveTextCmd())
	return root
}

// keygen creates the identity key and publishes its public half.
func keygenCmd() *cobra.Command {
	var pushAddress string
	var force bool

	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Create an identity key and publish it to the relay",
		RunE: func(cmd *cobra.Command, args []string) error {
			if userID == "" {
				return errors.New("user id required (--user)")
			}
			if passphrase == "" {
				return errors.New("passphrase required (-p or PMCHAT_PASSPHRASE)")
			}
			ks, err := openKeystore(cfg.Client, userID)
			if err != nil {
				return err
			}
			if ks.Exists() && !force {
				return errors.New("identity key already exists; use --force to replace it")
			}
			pub, err := crypto.GenerateIdentityKeys(ks, passphrase)
			if err != nil {
				return err
			}

			keys := transport.NewKeyClient(transport.OptionsFromConfig(cfg.Client), token)
			if err := keys.Publish(cmd.Context(), userID, pub, pushAddress); err != nil {
				return fmt.Errorf("publish public key: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "identity key for %s published\n", userID)
			return nil
		},
	}
	cmd.Flags().StringVar(&pushAddress, "push-address", "", "address push alerts are sent to")
	cmd.Flags().BoolVar(&force, "force", false, "replace an existing identity key")
	return cmd
}

func chatCmd() *cobra.Command {
	var phone string

	cmd := &cobra.Command{
		Use:   "chat <recipientID>",
		Short: "Open an interactive chat window",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			// the terminal belongs to the chat window
			if err := os.MkdirAll(cfg.Client.DataDir, 0o700); err != nil {
				return err
			}
			logCfg := cfg.Log
			logCfg.Outputs = []string{filepath.Join(cfg.Client.DataDir, "pmchat.log")}
			if _, err := log.Setup(logCfg); err != nil {
				return err
			}

			ctx := cmd.Context()
			s, err := openSession(ctx, cfg.Client, userID, passphrase, token)
			if err != nil {
				return err
			}
			defer s.close()

			if phone != "" {
				addContact(s.messenger, args[0], phone)
			}
			if err := s.start(ctx, cfg.Client.Mesh); err != nil {
				return err
			}
			return app.NewApp(userID, s.messenger, s.transport).Run(ctx, args[0])
		},
	}
	cmd.Flags().StringVar(&phone, "phone", "", "recipient's text address for out-of-band delivery")
	return cmd
}

func sendCmd() *cobra.Command {
	var phone string
	var wait time.Duration

	cmd := &cobra.Command{
		Use:   "send <recipientID> <message>",
		Short: "Encrypt and send one message",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := openSession(ctx, cfg.Client, userID, passphrase, token)
			if err != nil {
				return err
			}
			defer s.close()

			if phone != "" {
				addContact(s.messenger, args[0], phone)
			}
			if err := s.start(ctx, cfg.Client.Mesh); err != nil {
				return err
			}
			waitReady(ctx, s.transport, wait)

			msg, route, err := s.messenger.Send(ctx, args[0], args[1])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s sent via %s\n", msg.MessageID, route)
			return nil
		},
	}
	cmd.Flags().StringVar(&phone, "phone", "", "recipient's text address for out-of-band delivery")
	cmd.Flags().DurationVar(&wait, "wait", 5*time.Second, "how long to wait for the relay before falling back")
	return cmd
}

// receive-text feeds a text received outside the app, e.g. pasted from an
// SMS inbox, into the local log.
func receiveTextCmd() *cobra.Command {
	var senderID string

	cmd := &cobra.Command{
		Use:   "receive-text <phone> <body>",
		Short: "Decrypt an out-of-band text message",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if senderID == "" {
				return errors.New("sender id required (--from)")
			}
			ctx := cmd.Context()
			s, err := openSession(ctx, cfg.Client, userID, passphrase, token)
			if err != nil {
				return err
			}
			defer s.close()

			addContact(s.messenger, senderID, args[0])
			if err := s.messenger.HandleText(ctx, args[0], args[1]); err != nil {
				return err
			}

			select {
			case u := <-s.messenger.Updates():
				if u.Kind == messenger.UpdateReceived {
					fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", u.PeerID, u.Plaintext)
				}
			default:
				fmt.Fprintln(cmd.OutOrStdout(), "already received")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&senderID, "from", "", "user id of the sender")
	return cmd
}

// addContact attaches phone to id. The key is fetched on first use.
func addContact(m *messenger.Messenger, id, phone string) {
	m.AddContact(model.Contact{ID: id, Phone: phone})
}

func waitReady(ctx context.Context, t *transport.Manager, limit time.Duration) {
	ctx, cancel := context.WithTimeout(ctx, limit)
	defer cancel()

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for !t.Ready() {
		select {
		case <-ctx.Done():
			log.Info("relay not ready, using fallback paths", zap.Duration("waited", limit))
			return
		case <-ticker.C:
		}
	}
}
