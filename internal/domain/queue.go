package domain

import "time"

// Queue is one physical or virtual service line within a department.
// The counters on it (ActiveTickets, CurrentTicket, LastCounter,
// NextNumber) are owned by the store and only ever change through
// engine operations executed under the queue's exclusive section.
type Queue struct {
	ID           string `json:"id"`
	DepartmentID string `json:"department_id"`
	BranchID     string `json:"branch_id"`
	ServiceName  string `json:"service_name"`
	Prefix       string `json:"prefix"`

	// DailyLimit of 0 means the queue is paused and admits nobody.
	DailyLimit    int `json:"daily_limit"`
	ActiveTickets int `json:"active_tickets"`
	CurrentTicket int `json:"current_ticket"`
	NumCounters   int `json:"num_counters"`
	LastCounter   int `json:"last_counter"`

	// NextNumber is the ticket number the next issuance receives,
	// contiguous from 1 within the admission window.
	NextNumber int `json:"next_number"`

	AvgWaitTimeMin     float64    `json:"avg_wait_time_min,omitempty"`
	EstimatedWaitMin   int        `json:"estimated_wait_min,omitempty"`
	LastServiceTimeMin float64    `json:"last_service_time_min,omitempty"`
	LastAttendedAt     *time.Time `json:"last_attended_at,omitempty"`

	Schedule []QueueSchedule `json:"schedule,omitempty"`
}

func (q *Queue) IsPaused() bool {
	return q.DailyLimit == 0
}

// ScheduleFor returns the schedule row for the given weekday, or nil
// when none is configured (treated as closed by the resolver).
func (q *Queue) ScheduleFor(day time.Weekday) *QueueSchedule {
	for i := range q.Schedule {
		if q.Schedule[i].Weekday == day {
			return &q.Schedule[i]
		}
	}
	return nil
}
