package warpq

import (
	"context"
	"errors"
	"fmt"
)

// admit is the duplicate gate plus the admission path. It looks the
// identity up in the registry, falls back to the durable store, applies
// the policy to whatever it found, and either reuses, admits, rejects, or
// defers. retried guards the single re-lookup performed after a store
// identity conflict.
func (o *Orchestrator) admit(ctx context.Context, rawURL, canonical, fp, path string, policy Policy, retried bool) (Resolution, error) {
	key := FileIdentifier{Fingerprint: fp, TargetPath: path}

	o.mu.Lock()
	match, found := o.reg.match(key)
	var matchSnapshot *Task
	if found {
		matchSnapshot = match.clone()
	}
	o.mu.Unlock()

	if !found {
		stored, err := o.repo.FindByIdentity(ctx, key)
		if err != nil {
			return Resolution{}, fmt.Errorf("%w: %v", ErrDuplicateDetection, err)
		}
		if stored != nil {
			matchSnapshot = o.registerStored(stored, key)
			found = true
			o.promote(ctx)
		}
	}

	if !found {
		return o.admitNew(ctx, rawURL, canonical, fp, path, retried, policy)
	}

	reason := matchReason(rawURL, matchSnapshot)
	switch {
	case policy == AllowDuplicate:
		return o.admitNew(ctx, rawURL, canonical, fp, path, retried, policy)

	case policy.FailsOnDuplicate():
		res := Resolution{
			Kind:   ResolutionPolicyViolation,
			TaskID: matchSnapshot.ID,
			Reason: reason,
		}
		return res, &PolicyViolationError{TaskID: matchSnapshot.ID, Reason: reason}

	case policy.RequiresDecision():
		o.mu.Lock()
		cands := o.reg.candidates(key)
		o.mu.Unlock()
		return Resolution{
			Kind:       ResolutionNeedsDecision,
			Candidates: cands,
			Suggested:  suggestAction(matchSnapshot),
		}, nil

	case policy.AllowsReuse(matchSnapshot.Status):
		if matchSnapshot.Status.CanResume() {
			if err := o.Resume(ctx, matchSnapshot.ID); err != nil {
				var ite *InvalidTransitionError
				if !errors.As(err, &ite) {
					return Resolution{}, err
				}
				// Raced with the engine finishing the task; the
				// current status is still a valid reuse answer.
			}
		}
		o.mu.Lock()
		status := matchSnapshot.Status
		if t, ok := o.reg.get(matchSnapshot.ID); ok {
			status = t.Status
		}
		o.mu.Unlock()
		return Resolution{
			Kind:   ResolutionReused,
			TaskID: matchSnapshot.ID,
			Reason: reason,
			Status: status,
		}, nil

	default:
		// Policy admits a sibling (ReuseIfComplete on an unfinished
		// match, ReuseIfIncomplete on a completed one).
		return o.admitNew(ctx, rawURL, canonical, fp, path, retried, policy)
	}
}

// admitNew creates and registers a fresh task and runs the scheduler's
// submit algorithm: straight into the active set when a slot is free,
// otherwise onto the waiting queue. The task row is written through
// before any engine hand-off; a store identity conflict rolls the
// admission back and re-runs the gate once.
func (o *Orchestrator) admitNew(ctx context.Context, rawURL, canonical, fp, path string, retried bool, policy Policy) (Resolution, error) {
	t := newTask(rawURL, canonical, fp, path)
	var events []event

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return Resolution{}, ErrOrchestratorClosed
	}
	o.reg.add(t)
	activated := o.q.activate(t.ID)
	if !activated {
		o.q.enqueue(t.ID)
	}
	// The creation notification reports the initial status with old == new.
	events = append(events, statusEvent(t.ID, t.Status, t.Status))
	snapshot := t.clone()
	o.mu.Unlock()

	if err := o.repo.SaveTask(ctx, snapshot); err != nil {
		o.mu.Lock()
		o.q.deactivate(t.ID)
		o.q.dequeue(t.ID)
		o.reg.remove(t.ID)
		o.mu.Unlock()
		if errors.Is(err, ErrIdentityConflict) {
			if retried {
				// Still conflicting after a re-lookup: the identity is
				// live somewhere, surface it as a policy violation
				// against whoever holds it.
				o.mu.Lock()
				holder, ok := o.reg.match(FileIdentifier{Fingerprint: fp, TargetPath: path})
				var holderID TaskID
				if ok {
					holderID = holder.ID
				}
				o.mu.Unlock()
				res := Resolution{
					Kind:   ResolutionPolicyViolation,
					TaskID: holderID,
					Reason: ReasonCanonicalURLMatch,
				}
				return res, &PolicyViolationError{TaskID: holderID, Reason: res.Reason}
			}
			// A sibling row appeared under us; rerun the gate so the
			// policy can judge it.
			return o.admit(ctx, rawURL, canonical, fp, path, policy, true)
		}
		return Resolution{}, &PersistenceError{Op: "save task", Err: err}
	}

	if activated {
		o.mu.Lock()
		if t2, ok := o.reg.get(t.ID); ok {
			old := t2.Status
			t2.setStatus(Downloading())
			o.reg.statusChanged(t2)
			events = append(events, statusEvent(t.ID, old, t2.Status))
			snapshot = t2.clone()
		}
		o.mu.Unlock()

		if err := o.startTransfer(ctx, t.ID, canonical, path); err != nil {
			o.mu.Lock()
			if t2, ok := o.reg.get(t.ID); ok {
				old := t2.Status
				t2.setStatus(Failed(err.Error()))
				o.reg.statusChanged(t2)
				events = append(events, statusEvent(t.ID, old, t2.Status), failedEvent(t.ID, t2.Status.Reason))
				snapshot = t2.clone()
			}
			o.q.deactivate(t.ID)
			o.mu.Unlock()
		}
		if perr := o.repo.SaveTask(ctx, snapshot); perr != nil {
			o.log.Warning("persist task %s: %v", t.ID, perr)
		}
	}

	o.emitAll(events)
	o.promote(ctx)
	return Resolution{Kind: ResolutionNewAccepted, TaskID: t.ID}, nil
}

// registerStored adopts a task found in the store but missing from the
// registry (a row written before recovery caught up, or by a previous
// incarnation). Such a record has no live engine transfer: a Waiting or
// Downloading one is reset to Waiting and parked on the waiting queue so
// it goes through admission; a Paused one stays paused and unqueued.
func (o *Orchestrator) registerStored(stored *Task, key FileIdentifier) *Task {
	o.mu.Lock()
	defer o.mu.Unlock()
	if existing, ok := o.reg.match(key); ok {
		return existing.clone()
	}
	if !stored.Status.IsTerminal() && stored.Status.Code != StatusPaused {
		stored.setStatus(Waiting())
	}
	o.reg.add(stored)
	if stored.Status.Code == StatusWaiting {
		o.q.enqueue(stored.ID)
	}
	return stored.clone()
}

// DetectDuplicate runs the duplicate gate without admitting anything:
// it reports NotFound, a NeedsDecision surface (PromptUser), a
// PolicyViolation (FailIfDuplicate), or, under every other policy, a
// Reused verdict naming the matched task; the reuse-or-admit-new choice
// of those policies is not applied. Unlike SubmitWithPolicy it never
// creates a task and never resumes one.
func (o *Orchestrator) DetectDuplicate(ctx context.Context, rawURL, path string, policy Policy) (Resolution, error) {
	_, fp, err := CanonicalizeURL(rawURL)
	if err != nil {
		return Resolution{}, err
	}
	key := FileIdentifier{Fingerprint: fp, TargetPath: path}

	o.mu.Lock()
	match, found := o.reg.match(key)
	var matchSnapshot *Task
	if found {
		matchSnapshot = match.clone()
	}
	o.mu.Unlock()

	if !found {
		stored, serr := o.repo.FindByIdentity(ctx, key)
		if serr != nil {
			return Resolution{}, fmt.Errorf("%w: %v", ErrDuplicateDetection, serr)
		}
		if stored == nil {
			return Resolution{Kind: ResolutionNotFound, Fingerprint: fp, TargetPath: path}, nil
		}
		matchSnapshot = stored
	}

	reason := matchReason(rawURL, matchSnapshot)
	switch {
	case policy.FailsOnDuplicate():
		return Resolution{Kind: ResolutionPolicyViolation, TaskID: matchSnapshot.ID, Reason: reason},
			&PolicyViolationError{TaskID: matchSnapshot.ID, Reason: reason}
	case policy.RequiresDecision():
		o.mu.Lock()
		cands := o.reg.candidates(key)
		o.mu.Unlock()
		if len(cands) == 0 {
			cands = []TaskID{matchSnapshot.ID}
		}
		return Resolution{
			Kind:       ResolutionNeedsDecision,
			Candidates: cands,
			Suggested:  suggestAction(matchSnapshot),
		}, nil
	default:
		return Resolution{
			Kind:   ResolutionReused,
			TaskID: matchSnapshot.ID,
			Reason: reason,
			Status: matchSnapshot.Status,
		}, nil
	}
}

// FindDuplicate returns the id of the task that a submission of
// (url, path) would match, consulting the registry first and the store
// second.
func (o *Orchestrator) FindDuplicate(ctx context.Context, rawURL, path string) (TaskID, bool, error) {
	_, fp, err := CanonicalizeURL(rawURL)
	if err != nil {
		return "", false, err
	}
	key := FileIdentifier{Fingerprint: fp, TargetPath: path}

	o.mu.Lock()
	match, found := o.reg.match(key)
	var id TaskID
	if found {
		id = match.ID
	}
	o.mu.Unlock()
	if found {
		return id, true, nil
	}

	stored, err := o.repo.FindByIdentity(ctx, key)
	if err != nil {
		return "", false, fmt.Errorf("%w: %v", ErrDuplicateDetection, err)
	}
	if stored == nil {
		return "", false, nil
	}
	return stored.ID, true, nil
}

// DuplicateCandidates lists every registered task sharing the
// submission's identity, oldest first.
func (o *Orchestrator) DuplicateCandidates(ctx context.Context, rawURL, path string) ([]TaskID, error) {
	_, fp, err := CanonicalizeURL(rawURL)
	if err != nil {
		return nil, err
	}
	key := FileIdentifier{Fingerprint: fp, TargetPath: path}

	o.mu.Lock()
	cands := o.reg.candidates(key)
	o.mu.Unlock()
	if len(cands) > 0 {
		return cands, nil
	}

	stored, err := o.repo.FindByIdentity(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDuplicateDetection, err)
	}
	if stored == nil {
		return nil, nil
	}
	return []TaskID{stored.ID}, nil
}

// matchReason distinguishes a byte-equal resubmission from one that only
// collapses after canonicalization.
func matchReason(rawURL string, match *Task) Reason {
	if rawURL == match.URL {
		return ReasonExactMatch
	}
	return ReasonCanonicalURLMatch
}

// suggestAction proposes the most likely resolution for a PromptUser
// verdict, based on the matched task's status.
func suggestAction(t *Task) Action {
	switch t.Status.Code {
	case StatusCompleted:
		return Action{Kind: ActionReuse, TaskID: t.ID}
	case StatusPaused:
		return Action{Kind: ActionResume, TaskID: t.ID}
	case StatusFailed:
		return Action{Kind: ActionRetry, TaskID: t.ID}
	default:
		return Action{Kind: ActionCreateNew}
	}
}
