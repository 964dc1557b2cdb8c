package wl

// enqueue appends job to the FIFO work queue and wakes the worker.
func (m *Manager) enqueue(j job) {
	m.mu.Lock()
	m.jobs = append(m.jobs, j)
	m.pending[j.pnum]++
	m.jobCond.Broadcast()
	m.mu.Unlock()
}

// worker drains the work queue FIFO, one job at a time, per spec §4.3.
func (m *Manager) worker() {
	for {
		m.mu.Lock()
		for len(m.jobs) == 0 && !m.done {
			m.jobCond.Wait()
		}
		if m.done && len(m.jobs) == 0 {
			m.mu.Unlock()
			return
		}
		m.mu.Unlock()
		m.drainOnce()
	}
}

// drainOnce runs exactly one pending job synchronously on the calling
// goroutine, used by GetPEB when the free set is empty and by the worker's
// own loop. It is safe to call concurrently with the background worker:
// jobs are only ever taken from the shared FIFO under the mutex.
func (m *Manager) drainOnce() {
	m.mu.Lock()
	if len(m.jobs) == 0 {
		m.mu.Unlock()
		return
	}
	j := m.jobs[0]
	m.jobs = m.jobs[1:]
	m.mu.Unlock()

	m.run(j)

	m.mu.Lock()
	m.pending[j.pnum]--
	if m.pending[j.pnum] <= 0 {
		delete(m.pending, j.pnum)
	}
	m.jobCond.Broadcast()
	m.mu.Unlock()
}

func (m *Manager) run(j job) {
	switch j.kind {
	case jobErase:
		m.runErase(j)
	case jobMove:
		m.runMove(j)
	}
}

func (m *Manager) runErase(j job) {
	m.mu.Lock()
	e, ok := m.lookup[j.pnum]
	m.mu.Unlock()
	if !ok {
		return
	}

	err := m.io.SyncErase(j.pnum, e.EC, j.torture)
	if err != nil {
		j.attempts++
		if j.attempts < maxEraseAttempts {
			m.log.Warn("wl: erase failed, retrying", "pnum", j.pnum, "error", err)
			m.enqueue(j)
			return
		}
		bad, _ := m.io.IsBad(j.pnum)
		if !bad {
			_ = m.io.MarkBad(j.pnum)
		}
		m.mu.Lock()
		delete(m.lookup, j.pnum)
		m.bad[j.pnum] = true
		m.good--
		m.badCount++
		m.mu.Unlock()
		m.log.Error("wl: erase exhausted retries, PEB marked bad", "pnum", j.pnum)
		m.advanceTick()
		return
	}

	m.mu.Lock()
	e.EC++
	e.State = StateFree
	m.free.Insert(e)
	m.mu.Unlock()
	m.advanceTick()
}

// advanceTick advances the global protection-queue tick by one and drains
// the bucket it now points at back into `used`, per spec §4.3.
func (m *Manager) advanceTick() {
	m.mu.Lock()
	m.tick++
	bucket := int(m.tick) % len(m.protQueue)
	drained := m.protQueue[bucket]
	m.protQueue[bucket] = nil
	for _, e := range drained {
		e.State = StateUsed
		m.used.Insert(e)
	}
	m.mu.Unlock()
}

// maybeScheduleWearMove schedules a routine wear-leveling move when the
// spread between the highest-EC free PEB and the lowest-EC used PEB exceeds
// WLThreshold (spec §4.3's victim-selection trigger).
func (m *Manager) maybeScheduleWearMove() {
	m.mu.Lock()
	hiFree := m.free.Max()
	loUsed := m.used.Min()
	var trigger bool
	var srcPnum int
	if hiFree != nil && loUsed != nil && int64(hiFree.EC)-int64(loUsed.EC) > int64(m.tun.WLThreshold) {
		trigger = true
		srcPnum = loUsed.Pnum
	}
	m.mu.Unlock()
	if trigger {
		m.enqueue(job{kind: jobMove, pnum: srcPnum, mKind: moveWear})
	}
}

func (m *Manager) runMove(j job) {
	m.mu.Lock()
	src, ok := m.lookup[j.pnum]
	if !ok || (src.State != StateUsed && src.State != StateScrub) {
		m.mu.Unlock()
		return // source already gone or already mid-move; drop stale job
	}
	srcOrigState := src.State
	if srcOrigState == StateUsed {
		m.used.Delete(src)
	} else {
		m.scrub.Delete(src)
	}
	src.State = StateMoving

	var target *Entry
	if j.mKind == moveWear {
		target = m.free.Max()
	} else {
		target = m.free.Min()
	}
	if target == nil {
		// No free PEB to move into right now: put source back and drop.
		src.State = srcOrigState
		if srcOrigState == StateUsed {
			m.used.Insert(src)
		} else {
			m.scrub.Insert(src)
		}
		m.mu.Unlock()
		return
	}
	m.free.Delete(target)
	target.State = StateMoving
	copier := m.copier
	m.mu.Unlock()

	if copier == nil {
		m.restoreAfterFailedMove(src, srcOrigState, target)
		return
	}

	vidHdr, _, _, err := m.io.ReadVIDHeader(j.pnum)
	if err != nil {
		m.restoreAfterFailedMove(src, srcOrigState, target)
		m.log.Warn("wl: could not read source VID header for move", "pnum", j.pnum, "error", err)
		return
	}
	outcome, cerr := copier.CopyLEB(j.pnum, target.Pnum, vidHdr)
	if cerr != nil && outcome == MoveOK {
		outcome = MoveSourceRdErr
	}

	switch outcome {
	case MoveOK:
		m.mu.Lock()
		src.State = StateErasePending
		target.State = StateUsed
		m.used.Insert(target)
		m.mu.Unlock()
		m.enqueue(job{kind: jobErase, pnum: src.Pnum, torture: false})

	case MoveCancelRace:
		m.restoreAfterFailedMove(src, srcOrigState, target)

	case MoveSourceRdErr:
		j.attempts++
		if j.attempts >= maxMoveAttempts {
			m.mu.Lock()
			delete(m.lookup, src.Pnum)
			m.good--
			m.badCount++
			m.free.Insert(target)
			target.State = StateFree
			m.mu.Unlock()
			_ = m.io.MarkBad(src.Pnum)
			m.log.Error("wl: source read errors persisted, marked bad", "pnum", src.Pnum)
			return
		}
		m.mu.Lock()
		src.State = StateScrub
		m.scrub.Insert(src)
		m.free.Insert(target)
		target.State = StateFree
		m.mu.Unlock()
		m.enqueue(job{kind: jobMove, pnum: src.Pnum, mKind: moveScrub, attempts: j.attempts})

	case MoveTargetRdErr, MoveTargetWrErr:
		terr := m.io.SyncErase(target.Pnum, target.EC, true)
		m.mu.Lock()
		src.State = srcOrigState
		if srcOrigState == StateUsed {
			m.used.Insert(src)
		} else {
			m.scrub.Insert(src)
		}
		if terr == nil {
			target.EC++
			target.State = StateFree
			m.free.Insert(target)
		} else {
			delete(m.lookup, target.Pnum)
			m.good--
			m.badCount++
		}
		m.mu.Unlock()
		j.attempts++
		if j.attempts < maxMoveAttempts {
			m.enqueue(job{kind: jobMove, pnum: src.Pnum, mKind: j.mKind, attempts: j.attempts})
		}

	case MoveTargetBitflips:
		m.mu.Lock()
		src.State = srcOrigState
		if srcOrigState == StateUsed {
			m.used.Insert(src)
		} else {
			m.scrub.Insert(src)
		}
		target.State = StateScrub
		m.scrub.Insert(target)
		m.mu.Unlock()
		m.enqueue(job{kind: jobMove, pnum: target.Pnum, mKind: moveScrub})
		j.attempts++
		if j.attempts < maxMoveAttempts {
			m.enqueue(job{kind: jobMove, pnum: src.Pnum, mKind: j.mKind, attempts: j.attempts})
		}

	case MoveRetry:
		m.mu.Lock()
		src.State = srcOrigState
		if srcOrigState == StateUsed {
			m.used.Insert(src)
		} else {
			m.scrub.Insert(src)
		}
		target.State = StateFree
		m.free.Insert(target)
		m.mu.Unlock()
		j.attempts++
		if j.attempts < maxMoveAttempts {
			m.enqueue(job{kind: jobMove, pnum: src.Pnum, mKind: j.mKind, attempts: j.attempts})
		}
	}
}

func (m *Manager) restoreAfterFailedMove(src *Entry, srcOrigState PEBState, target *Entry) {
	m.mu.Lock()
	src.State = srcOrigState
	if srcOrigState == StateUsed {
		m.used.Insert(src)
	} else {
		m.scrub.Insert(src)
	}
	target.State = StateFree
	m.free.Insert(target)
	m.mu.Unlock()
}

// Flush blocks until every queued or running job that references pnum has
// completed. Passing a negative pnum waits for the entire queue to drain.
func (m *Manager) Flush(pnum int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if pnum < 0 {
		for len(m.jobs) > 0 || len(m.pending) > 0 {
			m.jobCond.Wait()
		}
		return
	}
	for m.pending[pnum] > 0 {
		m.jobCond.Wait()
	}
}

// Shutdown stops the background worker and waits for it to exit. The worker
// exits only once the work queue is empty: jobs already queued still run,
// and jobs are not told about the shutdown, so a job that re-enqueues work
// (an erase or move retry) keeps the worker running until that work is done.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	m.done = true
	m.jobCond.Broadcast()
	m.mu.Unlock()
	_ = m.grp.Wait()
}

// RefillPool moves up to n of the lowest-EC free PEBs into the fastmap-
// tolerant batch pool (spec §4.3's fm_pool/fm_wl_pool interaction, and
// DESIGN.md Open Question #1): PEBs currently in the protection queue are
// never eligible, since they are by definition not in `free`.
func (m *Manager) RefillPool(n int) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	moved := 0
	for moved < n {
		e := m.free.Min()
		if e == nil {
			break
		}
		m.free.Delete(e)
		m.pool = append(m.pool, e)
		moved++
	}
	return moved
}

// PoolGet pops a PEB from the fastmap pool, bypassing the per-request
// RB-tree pop, per spec §4.3.
func (m *Manager) PoolGet() (int, uint64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.pool) == 0 {
		return 0, 0, false
	}
	e := m.pool[0]
	m.pool = m.pool[1:]
	e.State = StateProtect
	e.protTick = m.tick
	bucket := int(e.protTick) % len(m.protQueue)
	m.protQueue[bucket] = append(m.protQueue[bucket], e)
	return e.Pnum, e.EC, true
}
