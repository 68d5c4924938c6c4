package bus

// QueueFullEvent is published when an enqueue attempt is rejected because
// the queue has reached max_queue_length.
type QueueFullEvent struct {
	UserID    string
	QueueSize int
}

// GovernorSaturatedEvent is published when the system or a per-user
// semaphore is at capacity and a claim attempt had to wait.
type GovernorSaturatedEvent struct {
	Scope string // "system" or a user id
}
