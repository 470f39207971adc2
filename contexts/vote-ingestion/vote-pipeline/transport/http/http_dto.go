package http

type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type SubmitVoteResponse struct {
	VoteID      string `json:"vote_id"`
	CandidateID string `json:"candidate_id"`
	CastAt      string `json:"cast_at"`
	Replayed    bool   `json:"replayed"`
}

type CandidateResponse struct {
	CandidateID string `json:"candidate_id"`
	Count       int64  `json:"count"`
	CreatedAt   string `json:"created_at"`
}

type CountItem struct {
	CandidateID string `json:"candidate_id"`
	Count       int64  `json:"count"`
	UpdatedAt   string `json:"updated_at"`
}

type CountsResponse struct {
	Items []CountItem `json:"items"`
}

type RejectionItem struct {
	RejectionID string `json:"rejection_id"`
	VoteID      string `json:"vote_id,omitempty"`
	CandidateID string `json:"candidate_id,omitempty"`
	Reason      string `json:"reason"`
	Attempt     int    `json:"attempt"`
	RecordedAt  string `json:"recorded_at"`
}

type RejectionsResponse struct {
	Items []RejectionItem `json:"items"`
}

type HealthResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
}
