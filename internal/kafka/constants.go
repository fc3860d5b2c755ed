package kafka

const (
	TopicTicketIssued    = "ticket.issued"
	TopicTicketCalled    = "ticket.called"
	TopicTicketAttended  = "ticket.attended"
	TopicTicketCancelled = "ticket.cancelled"
	TopicTicketTraded    = "ticket.traded"
)
