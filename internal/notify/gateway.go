package notify

import (
	"time"

	"dripsend/internal/eventbus"
)

// Gateway is the outbound event surface of the dispatch engine. The actual
// presentation layer (dashboard, chat bridge, webhook forwarder) subscribes
// to the underlying bus; the core only publishes structured events here.
type Gateway interface {
	CampaignProgress(e CampaignProgress)
	EmailSent(e EmailSent)
	EmailError(e EmailError)
	CampaignComplete(e CampaignComplete)
	DailyReport(e DailyReport)
	ServerLog(level, message string)
}

// NewBusGateway returns a Gateway that publishes typed events onto bus.
// A nil bus yields a no-op gateway.
func NewBusGateway(bus eventbus.Bus) Gateway {
	return &busGateway{bus: bus}
}

type busGateway struct {
	bus eventbus.Bus
}

func (g *busGateway) publish(typ string, at time.Time, data any) {
	if g.bus == nil {
		return
	}
	if at.IsZero() {
		at = time.Now()
	}
	g.bus.Publish(eventbus.Event{Type: typ, Time: at, Data: data})
}

func (g *busGateway) CampaignProgress(e CampaignProgress) {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	g.publish(TypeCampaignProgress, e.At, e)
}

func (g *busGateway) EmailSent(e EmailSent) {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	g.publish(TypeEmailSent, e.At, e)
}

func (g *busGateway) EmailError(e EmailError) {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	g.publish(TypeEmailError, e.At, e)
}

func (g *busGateway) CampaignComplete(e CampaignComplete) {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	g.publish(TypeCampaignComplete, e.At, e)
}

func (g *busGateway) DailyReport(e DailyReport) {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	g.publish(TypeDailyReport, e.At, e)
}

func (g *busGateway) ServerLog(level, message string) {
	now := time.Now()
	g.publish(TypeServerLog, now, ServerLog{At: now, Level: level, Message: message})
}

// Nop returns a Gateway that drops everything. Useful in tests.
func Nop() Gateway { return &busGateway{} }
