package bridge

import (
	"encoding/json"
	"fmt"

	"github.com/openjudge/bridged/internal/domain"
)

// Wire packet names, worker to server.
const (
	packetHandshake            = "handshake"
	packetSubmissionAck        = "submission-acknowledged"
	packetGradingBegin         = "grading-begin"
	packetGradingEnd           = "grading-end"
	packetCompileError         = "compile-error"
	packetCompileMessage       = "compile-message"
	packetBatchBegin           = "batch-begin"
	packetBatchEnd             = "batch-end"
	packetTestCaseStatus       = "test-case-status"
	packetInternalError        = "internal-error"
	packetSubmissionTerminated = "submission-terminated"
	packetPingResponse         = "ping-response"
	packetSupportedProblems    = "supported-problems"
	packetExecutors            = "executors"
	packetTestcaseIDE          = "testcase-ide"
)

// packetHeader carries the name discriminator every packet must have.
type packetHeader struct {
	Name string `json:"name"`
}

type handshakePacket struct {
	ID        string          `json:"id"`
	Key       string          `json:"key"`
	Problems  []problemEntry  `json:"problems"`
	Executors wireExecutorMap `json:"executors"`
}

// problemEntry is the wire tuple [code, mtime]; only the code matters here.
type problemEntry struct {
	Code string
}

func (p *problemEntry) UnmarshalJSON(b []byte) error {
	var parts []json.RawMessage
	if err := json.Unmarshal(b, &parts); err != nil {
		return err
	}
	if len(parts) == 0 {
		return fmt.Errorf("empty problem entry")
	}
	return json.Unmarshal(parts[0], &p.Code)
}

// wireRuntime is the wire tuple [name, [version parts]].
type wireRuntime struct {
	Name    string
	Version []int
}

func (r *wireRuntime) UnmarshalJSON(b []byte) error {
	var parts []json.RawMessage
	if err := json.Unmarshal(b, &parts); err != nil {
		return err
	}
	if len(parts) > 0 {
		if err := json.Unmarshal(parts[0], &r.Name); err != nil {
			return err
		}
	}
	if len(parts) > 1 {
		if err := json.Unmarshal(parts[1], &r.Version); err != nil {
			return err
		}
	}
	return nil
}

type wireExecutorMap map[string][]wireRuntime

func (m wireExecutorMap) toDomain() domain.ExecutorMap {
	out := make(domain.ExecutorMap, len(m))
	for key, runtimes := range m {
		entries := make([]domain.RuntimeEntry, 0, len(runtimes))
		for _, r := range runtimes {
			entries = append(entries, domain.RuntimeEntry{Name: r.Name, Version: r.Version})
		}
		out[key] = entries
	}
	return out
}

type submissionPacket struct {
	SubmissionID int64 `json:"submission-id"`
}

type compilePacket struct {
	SubmissionID int64  `json:"submission-id"`
	Log          string `json:"log"`
}

type internalErrorPacket struct {
	SubmissionID int64  `json:"submission-id"`
	Message      string `json:"message"`
}

type testCaseStatusPacket struct {
	SubmissionID int64      `json:"submission-id"`
	Cases        []wireCase `json:"cases"`
}

type wireCase struct {
	Position         int     `json:"position"`
	Status           int     `json:"status"`
	Time             float64 `json:"time"`
	Memory           float64 `json:"memory"`
	Points           float64 `json:"points"`
	Total            float64 `json:"total-points"`
	Feedback         string  `json:"feedback"`
	ExtendedFeedback string  `json:"extended-feedback"`
	Output           string  `json:"output"`
}

type pingResponsePacket struct {
	When float64 `json:"when"`
	Time float64 `json:"time"`
	Load float64 `json:"load"`
}

type supportedProblemsPacket struct {
	Problems []problemEntry `json:"problems"`
}

type executorsPacket struct {
	Executors wireExecutorMap `json:"executors"`
}

// testcaseIDEPacket carries the submission identity inside a nested result
// envelope, unlike every other packet.
type testcaseIDEPacket struct {
	Result struct {
		CurrentSubmissionID int64 `json:"current_submission_id"`
	} `json:"result"`
}

// rawMap re-decodes a packet into a generic map for event passthrough.
func rawMap(b []byte) map[string]any {
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return map[string]any{}
	}
	return m
}
