package service

// 推送给操作员界面的事件类型
const (
	EventTicketCreated      = "ticket.created"
	EventTicketUpdated      = "ticket.updated"
	EventTicketEmailCreated = "ticket_email.created"
)

// EventPublisher 工单事件推送
type EventPublisher interface {
	Publish(eventType, envID string, payload interface{})
}

type nopPublisher struct{}

func (nopPublisher) Publish(string, string, interface{}) {}

func publisherOrNop(p EventPublisher) EventPublisher {
	if p == nil {
		return nopPublisher{}
	}
	return p
}
