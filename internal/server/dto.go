package server

// Request payloads. Responses reuse the domain entities, which carry full
// JSON tags.

type CreateJobRequest struct {
	Agent        *string  `json:"agent,omitempty"`
	Title        string   `json:"title"`
	Description  *string  `json:"description,omitempty"`
	Deliverables []string `json:"deliverables,omitempty"`
	Amount       int64    `json:"amount" minimum:"1"`
	Deadline     *int64   `json:"deadline,omitempty"`
	Arbitrator   *string  `json:"arbitrator,omitempty"`
}

type SubmitBidRequest struct {
	Amount   int64   `json:"amount" minimum:"1"`
	Timeline int64   `json:"timeline" minimum:"0"`
	Proposal *string `json:"proposal,omitempty"`
}

type FundJobRequest struct {
	Amount int64 `json:"amount" minimum:"1"`
}

type DeliverJobRequest struct {
	EvidenceURI string `json:"evidence_uri"`
}

type RaiseDisputeRequest struct {
	Reason      string  `json:"reason"`
	EvidenceURI *string `json:"evidence_uri,omitempty"`
}

type ResolveDisputeRequest struct {
	ClientPercent int64   `json:"client_percent" minimum:"0" maximum:"100"`
	Notes         *string `json:"notes,omitempty"`
}

type FeedbackRequest struct {
	Score   int64   `json:"score" minimum:"0" maximum:"100"`
	Comment *string `json:"comment,omitempty"`
}

type RegisterArbitratorRequest struct {
	FeePercent int64 `json:"fee_percent" minimum:"0" maximum:"100"`
}

type StakeRequest struct {
	Amount int64 `json:"amount" minimum:"1"`
}

type UnstakeValidatorRequest struct {
	Amount int64 `json:"amount" minimum:"1"`
}

type SetActiveRequest struct {
	Active bool `json:"active"`
}

type RegisterValidatorRequest struct {
	Method          string   `json:"method"`
	Specializations []string `json:"specializations,omitempty"`
}

type SubmitValidationRequest struct {
	Agent       string  `json:"agent"`
	JobHash     string  `json:"job_hash"`
	Result      string  `json:"result" enum:"fail,pass,partial"`
	Confidence  int64   `json:"confidence" minimum:"0" maximum:"100"`
	EvidenceURI *string `json:"evidence_uri,omitempty"`
}

type ChallengeValidationRequest struct {
	Reason      string  `json:"reason"`
	EvidenceURI *string `json:"evidence_uri,omitempty"`
	StakeAmount int64   `json:"stake_amount" minimum:"1"`
}

type ResolveChallengeRequest struct {
	Upheld bool `json:"upheld"`
}

type CreditRequest struct {
	Account string `json:"account"`
	Amount  int64  `json:"amount" minimum:"1"`
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func derefInt(v *int64) int64 {
	if v == nil {
		return 0
	}
	return *v
}
