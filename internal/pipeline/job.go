package pipeline

import (
	"github.com/kalambet/finrag/internal/protocol"
)

// JobState is the overall state of a tracked ingestion job.
type JobState string

const (
	JobRunning   JobState = "running"
	JobCompleted JobState = "completed"
	JobFailed    JobState = "error"
	JobTimedOut  JobState = "timeout"
)

// Terminal reports whether no further transition is possible.
func (s JobState) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobTimedOut
}

// TimeoutMessage is recorded on the stage that was processing when a job
// timed out.
const TimeoutMessage = "Timeout"

// Snapshot is an immutable view of a job.
type Snapshot struct {
	SessionID string
	State     JobState
	Stages    []protocol.Stage
	Result    *protocol.IngestResult
	ErrorKind protocol.ErrorKind
	Error     string
}

// Stage returns the stage with the given id.
func (s Snapshot) Stage(id protocol.StageID) (protocol.Stage, bool) {
	for _, st := range s.Stages {
		if st.ID == id {
			return st, true
		}
	}
	return protocol.Stage{}, false
}

// job is the stage state machine for one ingestion run. It is not safe for
// concurrent use; Tracker serializes access.
type job struct {
	sessionID string
	stages    []protocol.Stage
	state     JobState
	result    *protocol.IngestResult
	errKind   protocol.ErrorKind
	errMsg    string
}

func newJob(sessionID string) *job {
	return &job{sessionID: sessionID, stages: protocol.NewStages(), state: JobRunning}
}

func (j *job) snapshot() Snapshot {
	stages := make([]protocol.Stage, len(j.stages))
	copy(stages, j.stages)
	return Snapshot{
		SessionID: j.sessionID,
		State:     j.state,
		Stages:    stages,
		Result:    j.result,
		ErrorKind: j.errKind,
		Error:     j.errMsg,
	}
}

func (j *job) indexOf(id protocol.StageID) int {
	for i, s := range j.stages {
		if s.ID == id {
			return i
		}
	}
	return -1
}

func (j *job) processingIndex() int {
	for i, s := range j.stages {
		if s.Status == protocol.StageProcessing {
			return i
		}
	}
	return -1
}

// apply performs the transition for ev and reports whether anything changed.
// Once the job is terminal every event is ignored.
func (j *job) apply(ev protocol.IngestEvent) bool {
	if j.state.Terminal() {
		return false
	}

	switch ev.Kind {
	case protocol.IngestProgress:
		return j.progress(ev.Stage, ev.Progress, ev.Message)
	case protocol.IngestCompleted:
		for i := range j.stages {
			j.stages[i].Status = protocol.StageCompleted
			j.stages[i].Progress = 100
		}
		j.result = ev.Result
		j.state = JobCompleted
		return true
	case protocol.IngestFailed, protocol.IngestError:
		j.fail(JobFailed, protocol.ErrorBusiness, ev.Error)
		return true
	case protocol.IngestTimeout:
		msg := TimeoutMessage
		if ev.Message != "" {
			msg = TimeoutMessage + ": " + ev.Message
		}
		j.failWith(JobTimedOut, protocol.ErrorTimeout, TimeoutMessage, msg)
		return true
	default:
		return false
	}
}

// progress moves stage id to processing. Canonical stages complete every
// earlier canonical stage; any other processing stage is completed so that
// only one stage is processing at a time. Completed stages never regress.
func (j *job) progress(id protocol.StageID, pct int, msg string) bool {
	idx := j.indexOf(id)
	if idx < 0 {
		j.stages = append(j.stages, protocol.Stage{ID: id, Status: protocol.StagePending})
		idx = len(j.stages) - 1
	}

	target := &j.stages[idx]
	if target.Status == protocol.StageCompleted {
		return false
	}

	if pos := id.Index(); pos >= 0 {
		for i := range j.stages {
			if p := j.stages[i].ID.Index(); p >= 0 && p < pos {
				j.complete(i)
			}
		}
	}
	for i := range j.stages {
		if i != idx && j.stages[i].Status == protocol.StageProcessing {
			j.complete(i)
		}
	}

	target.Status = protocol.StageProcessing
	target.Progress = pct
	target.Message = msg
	return true
}

func (j *job) complete(i int) {
	j.stages[i].Status = protocol.StageCompleted
	j.stages[i].Progress = 100
}

func (j *job) fail(state JobState, kind protocol.ErrorKind, msg string) {
	j.failWith(state, kind, msg, msg)
}

// failWith marks the processing stage, if any, as error with stageMsg and
// records jobMsg on the job. Pending stages stay pending.
func (j *job) failWith(state JobState, kind protocol.ErrorKind, stageMsg, jobMsg string) {
	if i := j.processingIndex(); i >= 0 {
		j.stages[i].Status = protocol.StageError
		j.stages[i].Message = stageMsg
	}
	j.state = state
	j.errKind = kind
	j.errMsg = jobMsg
}
