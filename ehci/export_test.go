package ehci

// QueueCount returns the number of queues cached for a schedule.
func (c *Controller) QueueCount(async bool) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	if async {
		return len(c.async.queues)
	}

	return len(c.periodic.queues)
}

// ScheduleState returns the name of a schedule's state.
func (c *Controller) ScheduleState(async bool) string {
	c.mu.Lock()
	defer c.mu.Unlock()

	if async {
		return c.async.state.String()
	}

	return c.periodic.state.String()
}
