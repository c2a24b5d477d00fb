package cmd

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gorm.io/gorm"

	"github.com/lucasvidela/chatburst/completion"
	"github.com/lucasvidela/chatburst/coordinator"
	"github.com/lucasvidela/chatburst/coordinator/domain"
	"github.com/lucasvidela/chatburst/coordinator/repository"
	"github.com/lucasvidela/chatburst/coordinator/scheduler"
	coreconfig "github.com/lucasvidela/chatburst/core/config"
	coreDB "github.com/lucasvidela/chatburst/core/database"
	"github.com/lucasvidela/chatburst/infrastructure/valkey"
	"github.com/lucasvidela/chatburst/integrations/chatwoot"
	"github.com/lucasvidela/chatburst/integrations/wagateway"
	"github.com/lucasvidela/chatburst/pkg/msgworker"
	"github.com/lucasvidela/chatburst/pkg/utils"
)

var (
	db       *gorm.DB
	vkClient *valkey.Client

	unitRepo domain.UnitRepository
	msgRepo  domain.MessageRepository

	workerPool       *msgworker.Pool
	timerScheduler   *scheduler.TimerScheduler
	durableScheduler *scheduler.DurableScheduler
	coord            *coordinator.Coordinator

	appCtx    context.Context
	appCancel context.CancelFunc

	flagPort     string
	flagDebug    bool
	flagDebounce int
)

var rootCmd = &cobra.Command{
	Use:   "chatburst",
	Short: "Debounced bot reply backend for WhatsApp and Chatwoot",
	Long: `Chatburst buffers bursts of inbound messages per sender and fires one
LLM completion per settled burst, replying through the channel the
burst came from.`,
}

func init() {
	utils.LoadConfig(".")

	time.Local = time.UTC

	rootCmd.CompletionOptions.DisableDefaultCmd = true

	initFlags()

	cobra.OnInitialize(initApp)
}

func initFlags() {
	rootCmd.PersistentFlags().StringVarP(
		&flagPort,
		"port", "p",
		"",
		"change port number with --port <number> | example: --port=8080",
	)
	rootCmd.PersistentFlags().BoolVarP(
		&flagDebug,
		"debug", "d",
		false,
		"hide or displaying log with --debug <true/false> | example: --debug=true",
	)
	rootCmd.PersistentFlags().IntVarP(
		&flagDebounce,
		"debounce", "",
		0,
		"seconds of sender silence before a burst settles --debounce <number> | example: --debounce=3",
	)
}

func initApp() {
	cfg, err := coreconfig.LoadConfig()
	if err != nil {
		logrus.Fatalf("failed to load config: %v", err)
	}

	// Flags and viper entries win over plain env vars.
	if flagPort != "" {
		cfg.App.Port = flagPort
	} else if v := viper.GetString("app_port"); v != "" {
		cfg.App.Port = v
	}
	if flagDebug || viper.GetBool("app_debug") {
		cfg.App.Debug = true
	}
	if flagDebounce > 0 {
		cfg.Coordinator.DebounceSeconds = flagDebounce
	}
	if v := os.Getenv("APP_BASIC_AUTH"); v != "" {
		cfg.App.BasicAuth = strings.Split(v, ",")
	}

	if cfg.App.Debug {
		logrus.SetLevel(logrus.DebugLevel)
	}

	appCtx, appCancel = context.WithCancel(context.Background())

	db, err = coreDB.NewDatabase(cfg)
	if err != nil {
		logrus.Fatalf("failed to open database: %v", err)
	}

	gormUnits := repository.NewUnitGormRepository(db)
	gormMsgs := repository.NewMessageGormRepository(db)
	if err := gormMsgs.Init(appCtx); err != nil {
		logrus.Fatalf("failed to init message repository: %v", err)
	}
	if err := gormUnits.Init(appCtx); err != nil {
		logrus.Fatalf("failed to init unit repository: %v", err)
	}
	unitRepo = gormUnits
	msgRepo = gormMsgs

	// Valkey is optional. Without it the generation check alone dedupes
	// settle callbacks, which is enough for single-instance deployments.
	var guard domain.SettleGuard
	if cfg.Database.ValkeyEnabled {
		vkClient, err = valkey.NewClient(valkey.Config{
			Address:   cfg.Database.ValkeyAddress,
			Password:  cfg.Database.ValkeyPassword,
			DB:        cfg.Database.ValkeyDB,
			KeyPrefix: cfg.Database.ValkeyKeyPrefix,
		})
		if err != nil {
			logrus.Fatalf("failed to connect to valkey: %v", err)
		}
		guard = valkey.NewSettleGuard(vkClient, 2*cfg.Coordinator.Debounce())
	}

	workerPool = msgworker.NewPool(cfg.WorkerPool.Size, cfg.WorkerPool.QueueSize)
	workerPool.Start(appCtx)

	// Outbound senders, enabled per configured channel.
	var gatewaySender completion.GatewaySender
	if cfg.Gateway.BaseURL != "" {
		gatewaySender = wagateway.NewClient(wagateway.Config{
			BaseURL: cfg.Gateway.BaseURL,
			APIKey:  cfg.Gateway.APIKey,
		})
	}
	var chatwootSender completion.ChatwootSender
	if cfg.Chatwoot.BaseURL != "" {
		chatwootSender = chatwoot.NewClient(chatwoot.Config{
			BaseURL:      cfg.Chatwoot.BaseURL,
			AccountID:    cfg.Chatwoot.AccountID,
			AccountToken: cfg.Chatwoot.AccountToken,
		})
	}
	responder := completion.NewResponder(gatewaySender, chatwootSender)
	trigger := completion.NewOpenAITrigger(msgRepo, responder, completion.OpenAIConfig{
		APIKey:       cfg.OpenAI.APIKey,
		Model:        cfg.OpenAI.Model,
		SystemPrompt: cfg.OpenAI.SystemPrompt,
		HistoryLimit: cfg.Coordinator.HistoryLimit,
	})

	// Settle checks run through the worker pool so checks for one sender
	// serialize on the same worker as that sender's other work.
	dispatch := func(ctx context.Context, ref domain.SettleRef) {
		workerPool.Dispatch(msgworker.Job{
			ClientID:  ref.ClientID,
			SenderKey: ref.SenderKey,
			Handler: func(ctx context.Context) error {
				_, err := coord.OnSettleCheck(ctx, ref.UnitID, ref.Generation)
				return err
			},
		})
	}

	var sched domain.Scheduler
	switch cfg.Coordinator.SchedulerMode {
	case "durable":
		durableScheduler = scheduler.NewDurableScheduler(db, cfg.Coordinator.PollInterval)
		if err := durableScheduler.Init(appCtx); err != nil {
			logrus.Fatalf("failed to init settle queue: %v", err)
		}
		durableScheduler.Bind(dispatch)
		durableScheduler.Start(appCtx)
		sched = durableScheduler
	default:
		timerScheduler = scheduler.NewTimerScheduler()
		timerScheduler.Bind(dispatch)
		sched = timerScheduler
	}

	coord = coordinator.New(unitRepo, msgRepo, sched, trigger, guard, coordinator.Config{
		Debounce:     cfg.Coordinator.Debounce(),
		HistoryLimit: cfg.Coordinator.HistoryLimit,
	})

	logrus.WithFields(logrus.Fields{
		"debounce":  cfg.Coordinator.Debounce(),
		"scheduler": cfg.Coordinator.SchedulerMode,
		"driver":    cfg.Database.Driver,
	}).Info("[APP] Coordinator initialized")
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// StopApp performs a clean shutdown of the pool and connections.
func StopApp() {
	logrus.Info("[APP] Stopping application...")

	if appCancel != nil {
		appCancel()
	}
	if timerScheduler != nil {
		timerScheduler.Stop()
	}
	if workerPool != nil {
		workerPool.Stop()
	}
	if vkClient != nil {
		vkClient.Close()
	}
	if db != nil {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}

	logrus.Info("[APP] Application stopped cleanly.")
}
