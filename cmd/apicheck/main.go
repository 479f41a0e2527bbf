// apicheck verifies credentials and venue access before the daemon is
// pointed at real money: signed REST calls, withdrawal quota, and the
// push-session bootstrap, reported as PASS/FAIL checks.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"fiatbridge/internal/bus"
	"fiatbridge/internal/config"
	"fiatbridge/internal/core"
	"fiatbridge/internal/exchange/kucoin"
)

type checkStatus string

const (
	statusPass checkStatus = "PASS"
	statusFail checkStatus = "FAIL"
)

type checkResult struct {
	Name       string      `json:"name"`
	Status     checkStatus `json:"status"`
	DurationMs int64       `json:"duration_ms"`
	Detail     string      `json:"detail,omitempty"`
	Error      string      `json:"error,omitempty"`
}

type report struct {
	StartedAt   time.Time          `json:"started_at"`
	FinishedAt  time.Time          `json:"finished_at"`
	Environment config.Environment `json:"environment"`
	Symbol      string             `json:"symbol"`
	Checks      []checkResult      `json:"checks"`
}

func main() {
	var (
		configPath  string
		timeoutSec  int
		sessionWait int
		outJSONPath string
	)
	flag.StringVar(&configPath, "config", "config/config.yaml", "config yaml path")
	flag.IntVar(&timeoutSec, "timeout-sec", 60, "total timeout seconds")
	flag.IntVar(&sessionWait, "session-wait-sec", 5, "seconds to keep the push session open")
	flag.StringVar(&outJSONPath, "out-json", "", "optional output report path")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		fatal(err.Error())
	}
	if timeoutSec < 15 {
		timeoutSec = 15
	}
	if sessionWait < 2 {
		sessionWait = 2
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(timeoutSec)*time.Second)
	defer cancel()

	client, err := kucoin.NewClient(kucoin.Options{
		Credentials: cfg.CoreCredentials(),
		RestBaseURL: cfg.RestBaseURL(),
		HTTPTimeout: time.Duration(cfg.Exchange.HTTPTimeoutSec) * time.Second,
		MaxRetries:  cfg.Exchange.MaxRetries,
	})
	if err != nil {
		fatal(err.Error())
	}

	r := report{
		StartedAt:   time.Now().UTC(),
		Environment: cfg.Environment,
		Symbol:      cfg.Symbol(),
	}

	run := func(name string, fn func() (string, error)) {
		start := time.Now()
		detail, err := fn()
		cr := checkResult{
			Name:       name,
			DurationMs: time.Since(start).Milliseconds(),
			Detail:     detail,
		}
		if err != nil {
			cr.Status = statusFail
			cr.Error = err.Error()
		} else {
			cr.Status = statusPass
		}
		r.Checks = append(r.Checks, cr)
		if cr.Status == statusPass {
			fmt.Printf("[PASS] %s (%dms)", name, cr.DurationMs)
			if cr.Detail != "" {
				fmt.Printf(" - %s", cr.Detail)
			}
			fmt.Println()
		} else {
			fmt.Printf("[FAIL] %s (%dms) - %s\n", name, cr.DurationMs, cr.Error)
		}
	}

	run("signed_rest_fiat_accounts", func() (string, error) {
		accounts, err := client.Accounts(ctx, cfg.Bridge.FiatCurrency, core.AccountMain)
		if err != nil {
			return "", err
		}
		available := decimal.Zero
		for _, acc := range accounts {
			available = available.Add(acc.Available)
		}
		return fmt.Sprintf("currency=%s accounts=%d available=%s", cfg.Bridge.FiatCurrency, len(accounts), available.String()), nil
	})

	run("signed_rest_bridge_accounts", func() (string, error) {
		accounts, err := client.Accounts(ctx, cfg.Bridge.BridgeAsset, "")
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("currency=%s accounts=%d", cfg.Bridge.BridgeAsset, len(accounts)), nil
	})

	run("withdrawal_quota", func() (string, error) {
		quota, err := client.WithdrawalQuota(ctx, cfg.Bridge.BridgeAsset, cfg.Bridge.Chain)
		if err != nil {
			return "", err
		}
		if !quota.WithdrawEnabled {
			return "", fmt.Errorf("withdrawals disabled for %s on %s", cfg.Bridge.BridgeAsset, cfg.Bridge.Chain)
		}
		return fmt.Sprintf("chain=%s minSize=%s minFee=%s remaining=%s", quota.Chain, quota.MinSize.String(), quota.MinFee.String(), quota.Remaining.String()), nil
	})

	run("push_session_bootstrap", func() (string, error) {
		b := bus.New()
		session := kucoin.NewSession(client, b, kucoin.SessionOptions{
			WSURLOverride:  cfg.Exchange.WSURLOverride,
			ConnectTimeout: time.Duration(cfg.Session.ConnectTimeoutSec) * time.Second,
		})
		defer session.Close()
		if err := session.Subscribe(kucoin.TopicAccountBalance, true); err != nil {
			return "", err
		}
		if err := session.Connect(ctx); err != nil {
			return "", err
		}
		select {
		case <-time.After(time.Duration(sessionWait) * time.Second):
		case <-ctx.Done():
			return "", ctx.Err()
		}
		if state := session.State(); state != core.SessionConnected {
			return "", fmt.Errorf("session state %s after %ds", state, sessionWait)
		}
		return fmt.Sprintf("connected and stable for %ds", sessionWait), nil
	})

	r.FinishedAt = time.Now().UTC()
	printSummary(r)

	if outJSONPath != "" {
		if err := writeReport(outJSONPath, r); err != nil {
			fatal(err.Error())
		}
		fmt.Printf("report written: %s\n", outJSONPath)
	}

	for _, c := range r.Checks {
		if c.Status == statusFail {
			os.Exit(1)
		}
	}
}

func printSummary(r report) {
	pass, fail := 0, 0
	for _, c := range r.Checks {
		if c.Status == statusPass {
			pass++
		} else {
			fail++
		}
	}
	fmt.Printf("\nsummary environment=%s symbol=%s pass=%d fail=%d duration=%s\n",
		r.Environment,
		r.Symbol,
		pass,
		fail,
		r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond).String(),
	)
}

func writeReport(path string, r report) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func fatal(msg string) {
	fmt.Fprintln(os.Stderr, strings.TrimSpace(msg))
	os.Exit(1)
}
