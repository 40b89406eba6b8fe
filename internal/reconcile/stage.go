package reconcile

// Stage is the position of one kind's reconciliation in its state machine.
type Stage int

const (
	StageStart Stage = iota
	StageSyncedIDsFetched
	StageCandidatesFiltered
	StageLocallyPersisted
	StageRemotelyCommitted
	StageFlaggedSynced
	StageDone
	StageFailed
)

var stageNames = [...]string{
	StageStart:              "start",
	StageSyncedIDsFetched:   "synced_ids_fetched",
	StageCandidatesFiltered: "candidates_filtered",
	StageLocallyPersisted:   "locally_persisted",
	StageRemotelyCommitted:  "remotely_committed",
	StageFlaggedSynced:      "flagged_synced",
	StageDone:               "done",
	StageFailed:             "failed",
}

func (s Stage) String() string {
	if s < 0 || int(s) >= len(stageNames) {
		return "unknown"
	}
	return stageNames[s]
}
