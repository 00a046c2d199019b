package worker

// Balancer implements the migration policy of SPEC_FULL.md §4.7: move a
// source's producer to the least-busy worker when the gap is large, and
// colocate a listener with its source's worker unless doing so would pile
// listeners onto an already-busier worker.
type Balancer struct {
	pool *Pool
}

// NewBalancer creates a Balancer over pool.
func NewBalancer(pool *Pool) *Balancer {
	return &Balancer{pool: pool}
}

// SourceChangeWorker looks for a worker with at least listeners+10 fewer
// clients than the producer's current worker and, if found, moves the
// producer there. It returns true if a move happened, in which case the
// caller (Source.Read) must treat the source lock as already released by
// the migration and must not unlock again itself.
func (b *Balancer) SourceChangeWorker(producerID string, listeners int) (bool, error) {
	cur, ok := b.pool.WorkerOf(producerID)
	if !ok {
		return false, nil
	}

	target, targetCount := b.pool.Least()
	if target == cur {
		return false, nil
	}

	curCount := b.pool.Worker(cur).Count()
	if curCount-targetCount < listeners+10 {
		return false, nil
	}

	return b.pool.ClientChangeWorker(producerID, target)
}

// ListenerChangeWorker moves a listener onto its source's worker unless the
// source's worker is already listeners+10 (floor 1000) busier than the
// listener's current worker (SPEC_FULL.md §4.7).
func (b *Balancer) ListenerChangeWorker(listenerID string, sourceWorker int, listeners int) (bool, error) {
	cur, ok := b.pool.WorkerOf(listenerID)
	if !ok || cur == sourceWorker {
		return false, nil
	}

	trigger := listeners + 10
	if trigger < 1000 {
		trigger = 1000
	}

	diff := b.pool.Worker(sourceWorker).Count() - b.pool.Worker(cur).Count()
	if diff >= trigger {
		return false, nil
	}

	return b.pool.ClientChangeWorker(listenerID, sourceWorker)
}
