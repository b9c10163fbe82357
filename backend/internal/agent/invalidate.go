package agent

// Invalidation hooks for the cross-context relay. The agent's cache holds seat
// assignments, which embed contestant and booking data, so every category ends in a
// re-fetch; field state is never merged from another context.

func (a *Agent) InvalidateContestants() { a.Refetch() }

func (a *Agent) InvalidateSeating(topic string) { a.invalidateTopic(topic) }

func (a *Agent) InvalidateBooking(topic string) { a.invalidateTopic(topic) }

func (a *Agent) InvalidateAll() { a.Refetch() }

// invalidateTopic ignores notices about other record days; an empty topic means any.
func (a *Agent) invalidateTopic(topic string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if topic != "" && topic != a.topic {
		return
	}
	a.refetchLocked()
}
