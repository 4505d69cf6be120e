package receipts

// TrackedSessions reports how many session locks the issuer holds.
func (i *Issuer) TrackedSessions() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.sessions)
}
