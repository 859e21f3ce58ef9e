package workqueue

// TryToGrabPending attempts to steal w off whichever list currently holds
// it - the spec's try_to_grab_pending: cmpxchg-steal PENDING straight out
// of idle-claim, or locate its pool-queue and dequeue it before it starts
// executing. Returns true if w was pending/delayed and is now idle again;
// false if it was already idle, or is currently executing (the caller must
// wait via FlushWork for "running" to resolve, as CancelWorkSync does).
func TryToGrabPending(w *Work) bool {
	for {
		switch w.loadState() {
		case StateIdle:
			return false

		case StatePending:
			// Claimed but not yet dispatched into a pwq - a vanishingly
			// small window in this implementation, since dispatch runs
			// synchronously inside queue_work. Treat the claim itself as
			// the steal.
			if w.casState(StatePending, StateIdle) {
				return true
			}
			continue

		case StateDelayed:
			w.mu.Lock()
			pq := w.pwq
			w.mu.Unlock()
			if pq == nil {
				if w.casState(StateDelayed, StateIdle) {
					return true
				}
				continue
			}
			if pq.dequeueDelayed(w) {
				w.mu.Lock()
				w.pwq = nil
				w.mu.Unlock()
				w.state.Store(uint32(StateIdle))
				// Count the dequeued work as removed so FlushWorkqueue's
				// remove_seq still catches up with insert_seq.
				if pq.wq != nil {
					pq.wq.onComplete()
				}
				return true
			}
			// lost the race (e.g. just got activated onto the worklist);
			// re-check current state.
			continue

		case StateRunning:
			w.mu.Lock()
			pq := w.pwq
			w.mu.Unlock()
			if pq == nil {
				continue
			}
			if pq.pool.dequeue(w) {
				w.mu.Lock()
				w.pwq = nil
				w.mu.Unlock()
				// completed releases w's nr_active slot, activates the
				// next delayed work, resets w to idle and bumps remove_seq.
				pq.completed(w)
				return true
			}
			// already executing (or already popped by a worker) - the
			// caller must wait for it via FlushWork.
			return false

		case StateCanceling:
			return false

		default:
			return false
		}
	}
}

// CancelWork asynchronously unhooks w if it hasn't started running yet.
// Returns true if it removed a pending/delayed registration.
func CancelWork(w *Work) bool {
	return TryToGrabPending(w)
}

// CancelWorkSync steals w's pending bit, or - if it's already executing -
// waits for the in-flight run to complete, matching the spec's cancel
// exclusivity invariant: once CancelWorkSync returns, w is neither pending
// nor running, and a subsequent QueueWork on it succeeds.
func CancelWorkSync(w *Work) bool {
	if TryToGrabPending(w) {
		return true
	}
	if w.loadState() == StateIdle {
		return false
	}
	w.casState(StateRunning, StateCanceling)
	FlushWork(w)
	w.casState(StateCanceling, StateIdle)
	return true
}

// tryToGrabPendingDelayed cancels dw's timer if it's still armed, falling
// back to the generic TryToGrabPending for a DelayedWork whose timer
// already fired and handed it to the normal dispatch path.
func tryToGrabPendingDelayed(dw *DelayedWork) (bool, error) {
	if dw.cancelTimer() {
		if dw.casState(StateDelayed, StateIdle) {
			return true, nil
		}
	}
	return TryToGrabPending(&dw.Work), nil
}

// CancelDelayedWork is CancelWork for a DelayedWork: it also disarms the
// timer if the delay hasn't elapsed yet.
func CancelDelayedWork(dw *DelayedWork) bool {
	grabbed, _ := tryToGrabPendingDelayed(dw)
	return grabbed
}

// CancelDelayedWorkSync is CancelWorkSync for a DelayedWork.
func CancelDelayedWorkSync(dw *DelayedWork) bool {
	if grabbed, _ := tryToGrabPendingDelayed(dw); grabbed {
		return true
	}
	return CancelWorkSync(&dw.Work)
}
