package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"fiatbridge/internal/alert"
	"fiatbridge/internal/bus"
	"fiatbridge/internal/config"
	"fiatbridge/internal/core"
	"fiatbridge/internal/exchange/kucoin"
	"fiatbridge/internal/flow"
	"fiatbridge/internal/logging"
	"fiatbridge/internal/router"
	"fiatbridge/internal/safety"
	"fiatbridge/internal/store"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "config/config.yaml", "config yaml path")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		fatal(err.Error())
	}
	logging.Setup(cfg.Logging)
	log := logging.Component("main")

	alerts := buildAlertManager(cfg)
	if alerts != nil {
		defer func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := alerts.Close(closeCtx); err != nil {
				fmt.Fprintf(os.Stderr, "close alert manager failed: %v\n", err)
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var st *store.Store
	if cfg.State.Dir != "" {
		st, err = store.New(cfg.State.Dir)
		if err != nil {
			fatal(err.Error())
		}
		lockTakeover := true
		if cfg.State.LockTakeover != nil {
			lockTakeover = *cfg.State.LockTakeover
		}
		instanceLock, err := store.AcquireInstanceLock(cfg.State.Dir, store.LockOptions{
			TakeoverEnabled: lockTakeover,
			StaleAfter:      time.Duration(cfg.State.LockStaleSec) * time.Second,
		})
		if err != nil {
			fatal(err.Error())
		}
		defer func() {
			if relErr := instanceLock.Release(); relErr != nil {
				fmt.Fprintf(os.Stderr, "release instance lock failed: %v\n", relErr)
			}
		}()
	}

	client, err := kucoin.NewClient(kucoin.Options{
		Credentials: cfg.CoreCredentials(),
		RestBaseURL: cfg.RestBaseURL(),
		HTTPTimeout: time.Duration(cfg.Exchange.HTTPTimeoutSec) * time.Second,
		MaxRetries:  cfg.Exchange.MaxRetries,
	})
	if err != nil {
		fatal(err.Error())
	}

	b := bus.New()
	if alerts != nil {
		alerts.Watch(b)
	}

	session := kucoin.NewSession(client, b, kucoin.SessionOptions{
		WSURLOverride:        cfg.Exchange.WSURLOverride,
		ConnectTimeout:       time.Duration(cfg.Session.ConnectTimeoutSec) * time.Second,
		ReconnectDelay:       time.Duration(cfg.Session.ReconnectDelaySec) * time.Second,
		MaxReconnectAttempts: cfg.Session.MaxReconnectAttempts,
	})
	defer session.Close()

	rt := router.New(b, cfg.Bridge.FiatCurrency, cfg.Bridge.BridgeAsset)
	rt.Start()
	defer rt.Stop()

	breaker := safety.NewBreaker(cfg.Safety.Enabled, cfg.Safety.MaxFlowFailures)
	orchestrator := flow.New(client, b, st, breaker, flow.Options{
		FiatCurrency:   cfg.Bridge.FiatCurrency,
		BridgeAsset:    cfg.Bridge.BridgeAsset,
		Symbol:         cfg.Symbol(),
		MinDeposit:     cfg.Bridge.MinDeposit.Decimal,
		MaxDeposit:     cfg.Bridge.MaxDeposit.Decimal,
		BridgeWait:     time.Duration(cfg.Bridge.BridgeWaitSec) * time.Second,
		PollInterval:   time.Duration(cfg.Bridge.BalancePollSec) * time.Second,
		PollAttempts:   cfg.Bridge.BalancePollAttempts,
		SerializeFlows: cfg.Bridge.SerializeFlows,
	})

	status := newStatusTracker(st, cfg, b)
	status.update(func(rs *store.RuntimeStatus) { rs.State = "starting" })

	if err := session.Subscribe(kucoin.TopicAccountBalance, true); err != nil {
		fatal(err.Error())
	}
	if err := session.Subscribe(kucoin.TopicTradeOrdersV2, true); err != nil {
		fatal(err.Error())
	}
	if err := session.Connect(ctx); err != nil {
		fatal(err.Error())
	}
	log.WithField("environment", string(cfg.Environment)).Info("event session connected")

	if cfg.Bridge.AutoConvert {
		if _, err := orchestrator.ArmAuto(cfg.Bridge.DestinationAddress, cfg.Bridge.Chain); err != nil {
			fatal(err.Error())
		}
		status.update(func(rs *store.RuntimeStatus) { rs.ArmedAuto = true })
	}
	status.update(func(rs *store.RuntimeStatus) { rs.State = "running" })

	// A terminal session failure is fatal for the daemon: without the
	// push stream there is nothing to react to.
	failed := make(chan error, 1)
	offFailed := b.On(bus.TopicSessionFailed, func(payload any) {
		err, _ := payload.(error)
		if err == nil {
			err = errors.New("event session failed")
		}
		select {
		case failed <- err:
		default:
		}
	})
	defer offFailed()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
		status.update(func(rs *store.RuntimeStatus) { rs.State = "stopped" })
	case err := <-failed:
		log.WithError(err).Error("event session terminally failed, exiting")
		status.update(func(rs *store.RuntimeStatus) {
			rs.State = "failed"
			rs.LastError = err.Error()
		})
		orchestrator.Disarm()
		os.Exit(1)
	}
	orchestrator.Disarm()
}

func fatal(msg string) {
	fmt.Fprintln(os.Stderr, msg)
	os.Exit(1)
}

func buildAlertManager(cfg *config.Config) *alert.Manager {
	tg := cfg.Alerts.Telegram
	if !tg.Enabled {
		return nil
	}
	notifier := alert.NewTelegramNotifier(tg.BotToken, tg.ChatID, tg.APIBaseURL)
	if notifier == nil {
		return nil
	}
	return alert.NewManager(string(cfg.Environment), notifier)
}

// statusTracker keeps the runtime-status snapshot current with session
// state changes. Persistence is best-effort; a write failure is logged
// and the daemon keeps running.
type statusTracker struct {
	st  *store.Store
	mu  sync.Mutex
	cur store.RuntimeStatus
}

func newStatusTracker(st *store.Store, cfg *config.Config, b *bus.Bus) *statusTracker {
	t := &statusTracker{
		st: st,
		cur: store.RuntimeStatus{
			Environment: string(cfg.Environment),
			InstanceID:  uuid.NewString(),
			PID:         os.Getpid(),
			StartedAt:   time.Now().UTC(),
		},
	}
	b.On(bus.TopicSessionState, func(payload any) {
		ev, ok := payload.(core.SessionStateEvent)
		if !ok {
			return
		}
		t.update(func(rs *store.RuntimeStatus) {
			rs.SessionState = string(ev.State)
			rs.ReconnectAttempts = ev.Attempts
			if ev.State == core.SessionDisconnected {
				now := time.Now().UTC()
				rs.DisconnectedAt = &now
			} else if ev.State == core.SessionConnected {
				rs.DisconnectedAt = nil
			}
		})
	})
	return t
}

func (t *statusTracker) update(mutate func(*store.RuntimeStatus)) {
	t.mu.Lock()
	mutate(&t.cur)
	t.cur.UpdatedAt = time.Now().UTC()
	snapshot := t.cur
	t.mu.Unlock()
	if t.st == nil {
		return
	}
	if err := t.st.SaveStatus(snapshot); err != nil {
		logging.Component("main").WithError(err).Warn("status snapshot write failed")
	}
}
