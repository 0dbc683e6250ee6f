// Package notifications polls the notification feed of the signed-in user. The content of the feed is opaque to the
// chat, it is handed to a callback as it is.
package notifications

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/robfig/cron/v3"
	"github.com/tcriess/lightspeed-course-chat/config"
	"github.com/tcriess/lightspeed-course-chat/globals"
	"github.com/tcriess/lightspeed-course-chat/types"
	"github.com/tcriess/lightspeed-course-chat/ws"
)

const defaultLimit = 20

// Transport is the part of the connection manager the poller needs.
type Transport interface {
	Emit(event string, payload interface{}) error
	Connected() bool
	NewScope() *ws.Scope
}

type Poller struct {
	transport Transport
	cronSpec  string
	limit     int
	onFeed    func(types.NotificationsPayload)
	log       hclog.Logger

	cronRunner *cron.Cron
	scope      *ws.Scope

	// mutex for cronRunner and scope
	sync.Mutex
}

func NewPoller(transport Transport, cfg config.NotificationsConfig, onFeed func(types.NotificationsPayload)) *Poller {
	limit := cfg.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	return &Poller{
		transport: transport,
		cronSpec:  cfg.CronSpec,
		limit:     limit,
		onFeed:    onFeed,
		log:       globals.AppLogger.Named("notifications"),
	}
}

// Start subscribes to the feed replies and, if a cron spec is configured, requests page 1 on that schedule while
// the transport is connected.
func (p *Poller) Start() error {
	p.Lock()
	defer p.Unlock()
	if p.scope != nil {
		return nil
	}
	scope := p.transport.NewScope()
	scope.On(types.EventNotifications, p.handle)
	if p.cronSpec != "" {
		cronRunner := cron.New(cron.WithLocation(time.UTC), cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger)))
		_, err := cronRunner.AddFunc(p.cronSpec, func() {
			if !p.transport.Connected() {
				return
			}
			if err := p.Fetch(1); err != nil {
				p.log.Warn("could not request notifications", "error", err)
			}
		})
		if err != nil {
			scope.Release()
			return err
		}
		cronRunner.Start()
		p.cronRunner = cronRunner
	}
	p.scope = scope
	return nil
}

// Fetch requests one page of the feed.
func (p *Poller) Fetch(page int) error {
	if page < 1 {
		page = 1
	}
	return p.transport.Emit(types.EventGetNotifications, types.GetNotificationsPayload{Page: page, Limit: p.limit})
}

func (p *Poller) handle(data json.RawMessage) {
	payload := types.NotificationsPayload{}
	if err := types.Decode(data, &payload); err != nil {
		p.log.Error("could not decode notifications", "error", err)
		return
	}
	if !payload.Success {
		p.log.Debug("notification request failed")
		return
	}
	if p.onFeed != nil {
		p.onFeed(payload)
	}
}

// Stop ends the schedule, waits for a running request and releases the subscription.
func (p *Poller) Stop() {
	p.Lock()
	cronRunner, scope := p.cronRunner, p.scope
	p.cronRunner, p.scope = nil, nil
	p.Unlock()
	if cronRunner != nil {
		<-cronRunner.Stop().Done()
	}
	if scope != nil {
		scope.Release()
	}
}
