package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"pm_chat/internal/auth"
	"pm_chat/internal/config"
	"pm_chat/internal/repository/message"
	"pm_chat/internal/repository/user"
	"pm_chat/internal/service/push"
	redisSvc "pm_chat/internal/service/redis"
	"pm_chat/internal/service/server"
	"pm_chat/internal/utils/log"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:          "pmchat-server",
		Short:        "Relay for end-to-end encrypted messages",
		SilenceUsage: true,
		RunE:         func(cmd *cobra.Command, _ []string) error { return serve(cmd.Context()) },
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (yaml)")

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the relay",
			RunE:  func(cmd *cobra.Command, _ []string) error { return serve(cmd.Context()) },
		},
		tokenCmd(),
		alertsCmd(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := root.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func setup() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if _, err := log.Setup(cfg.Log); err != nil {
		return nil, err
	}
	return cfg, nil
}

func serve(ctx context.Context) error {
	cfg, err := setup()
	if err != nil {
		return err
	}
	defer log.Sync()

	tokens, err := auth.NewTokens(cfg.Server.JWTSecret, cfg.Server.TokenTTL)
	if err != nil {
		return err
	}

	mongoDBClient, err := initMongo(cfg.Mongo)
	if err != nil {
		return fmt.Errorf("connect mongo: %w", err)
	}
	defer mongoDBClient.Disconnect(context.Background())

	db := mongoDBClient.Database(cfg.Mongo.Database)
	messageRepo := message.NewMessageRepo(db)
	if err := messageRepo.EnsureIndexes(ctx); err != nil {
		return fmt.Errorf("create message indexes: %w", err)
	}
	userRepo := user.NewUserRepo(db)

	var notifier push.Notifier = push.Nop{}
	redis, err := redisSvc.Connect(ctx, cfg.Redis)
	if err != nil {
		log.Warn("redis unavailable, push alerts disabled", zap.String("addr", cfg.Redis.Addr), zap.Error(err))
	} else {
		defer redis.Close()
		notifier = push.NewRedisQueue(redis)
	}

	s := server.NewHttpServer(cfg.Server, messageRepo, userRepo, tokens, notifier)
	return s.Run(ctx)
}

func tokenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "token <userID>",
		Short: "Mint an access token for a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			tokens, err := auth.NewTokens(cfg.Server.JWTSecret, cfg.Server.TokenTTL)
			if err != nil {
				return err
			}
			tok, err := tokens.Issue(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
}

// alertsCmd drains the push queue and logs each alert, standing in for the
// OS push worker during development.
func alertsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "alerts",
		Short: "Print queued push alerts",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := setup()
			if err != nil {
				return err
			}
			defer log.Sync()

			ctx := cmd.Context()
			redis, err := redisSvc.Connect(ctx, cfg.Redis)
			if err != nil {
				return err
			}
			defer redis.Close()
			q := push.NewRedisQueue(redis)
			if n, err := q.Len(ctx); err == nil {
				log.Info("push queue backlog", zap.Int64("alerts", n))
			}

			for ctx.Err() == nil {
				alert, ok, err := q.Next(ctx, 5*time.Second)
				if err != nil {
					if ctx.Err() != nil {
						return nil
					}
					log.Warn("read push queue failed", zap.Error(err))
					continue
				}
				if ok {
					log.Info("push alert",
						zap.String("recipient", alert.RecipientID),
						zap.String("pushAddress", alert.PushAddress),
						zap.String("sender", alert.SenderID),
						zap.String("messageId", alert.MessageID))
				}
			}
			return nil
		},
	}
}

func initMongo(c config.MongoConfig) (*mongo.Client, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(c.URI))
	if err != nil {
		return nil, err
	}
	return client, client.Ping(ctx, nil)
}
