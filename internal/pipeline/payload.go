package pipeline

import (
	"encoding/json"
	"fmt"

	"github.com/gitpulse/gitpulse/internal/github"
)

// rawPayload is the envelope Sync writes into raw_merge_requests and Process
// reads back out. The pull request's internal provider id doubles as the
// dedup key, addressed by expression index on $.pull_request.id.
type rawPayload struct {
	Repository  *github.Repository  `json:"repository"`
	PullRequest *github.PullRequest `json:"pull_request"`
	Commits     []github.Commit     `json:"commits"`
}

func encodePayload(p *rawPayload) ([]byte, error) {
	if p.PullRequest == nil || p.PullRequest.ID == 0 {
		return nil, fmt.Errorf("payload missing pull request id")
	}
	return json.Marshal(p)
}

func decodePayload(data []byte) (*rawPayload, error) {
	var p rawPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to decode raw payload: %w", err)
	}
	if p.PullRequest == nil {
		return nil, fmt.Errorf("raw payload missing pull_request")
	}
	if p.Repository == nil {
		return nil, fmt.Errorf("raw payload missing repository")
	}
	return &p, nil
}
