// Package router turns low-level balance deltas into semantic signals:
// fiat deposits that may arm a conversion, and bridge-asset arrivals
// that confirm a purchase without polling.
package router

import (
	"strings"

	"github.com/sirupsen/logrus"

	"fiatbridge/internal/bus"
	"fiatbridge/internal/core"
	"fiatbridge/internal/logging"
)

type Router struct {
	bus         *bus.Bus
	fiat        string
	bridgeAsset string
	log         *logrus.Entry
	off         func()
}

func New(b *bus.Bus, fiatCurrency, bridgeAsset string) *Router {
	return &Router{
		bus:         b,
		fiat:        strings.ToUpper(fiatCurrency),
		bridgeAsset: strings.ToUpper(bridgeAsset),
		log:         logging.Component("router"),
	}
}

// Start subscribes the router to raw balance events. The router holds
// no durable state; it only re-publishes.
func (r *Router) Start() {
	if r.off != nil {
		return
	}
	r.off = r.bus.On(bus.TopicBalanceChanged, r.handle)
}

func (r *Router) Stop() {
	if r.off != nil {
		r.off()
		r.off = nil
	}
}

func (r *Router) handle(payload any) {
	event, ok := payload.(core.BalanceChangeEvent)
	if !ok {
		return
	}
	currency := strings.ToUpper(event.Currency)
	delta := event.AvailableChange

	switch {
	case currency == r.fiat && delta.IsPositive():
		r.log.WithFields(logging.Fields{
			"currency": event.Currency,
			"amount":   delta.String(),
			"total":    event.Total.String(),
		}).Info("fiat deposit observed")
		r.bus.Emit(bus.TopicFiatDeposit, core.FiatDepositEvent{
			Currency: event.Currency,
			Amount:   delta,
			Total:    event.Total,
			Time:     event.Time,
		})
	case currency == r.bridgeAsset && delta.IsPositive():
		r.bus.Emit(bus.TopicBridgeReceived, core.BridgeReceivedEvent{
			Currency:  event.Currency,
			Amount:    delta,
			Available: event.Available,
			Time:      event.Time,
		})
	}
}
