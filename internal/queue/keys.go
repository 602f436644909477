package queue

// keys names the Redis structures of one queue.
type keys struct {
	base      string
	wait      string // List of waiting ids; pushed left, popped right.
	active    string // List of ids held by workers.
	delayed   string // Sorted set of ids scored by due time in ms.
	completed string // Sorted set of ids scored by finish time in ms.
	failed    string // Sorted set of ids scored by finish time in ms.
	stalled   string // Set of active ids suspected to be orphaned.
	jobPrefix string
}

func newKeys(prefix, queueName string) keys {
	base := prefix + ":" + queueName
	return keys{
		base:      base,
		wait:      base + ":wait",
		active:    base + ":active",
		delayed:   base + ":delayed",
		completed: base + ":completed",
		failed:    base + ":failed",
		stalled:   base + ":stalled",
		jobPrefix: base + ":job:",
	}
}

func (k keys) job(id string) string { return k.jobPrefix + id }

func (k keys) lock(id string) string { return k.jobPrefix + id + ":lock" }
