package domain

// Job states. Terminal states are completed, refunded and arbitrated.
const (
	JobCreated    = "created"
	JobFunded     = "funded"
	JobAccepted   = "accepted"
	JobInProgress = "in_progress"
	JobDelivered  = "delivered"
	JobDisputed   = "disputed"
	JobCompleted  = "completed"
	JobRefunded   = "refunded"
	JobArbitrated = "arbitrated"
)

// Validation verdicts.
const (
	VerdictFail    = "fail"
	VerdictPass    = "pass"
	VerdictPartial = "partial"
)

// Challenge statuses.
const (
	ChallengePending  = "pending"
	ChallengeUpheld   = "upheld"
	ChallengeRejected = "rejected"
)

// Dispute resolution kinds. Empty means pending.
const (
	ResolutionPending      = ""
	ResolutionArbitrated   = "arbitrated"
	ResolutionOwnerTimeout = "owner_timeout"
)

const (
	UnstakePending   = "pending"
	UnstakeWithdrawn = "withdrawn"
	UnstakeCancelled = "cancelled"
)

const (
	RoleArbitrator = "arbitrator"
	RoleValidator  = "validator"
)

type Job struct {
	ID           int64    `json:"id"`
	Client       string   `json:"client"`
	Agent        *string  `json:"agent,omitempty"`
	Title        string   `json:"title"`
	Description  string   `json:"description,omitempty"`
	Deliverables []string `json:"deliverables,omitempty"`
	Amount       int64    `json:"amount"`
	FundedAmount int64    `json:"funded_amount"`
	Deadline     int64    `json:"deadline,omitempty"`
	Arbitrator   *string  `json:"arbitrator,omitempty"`
	EvidenceURI  *string  `json:"evidence_uri,omitempty"`
	State        string   `json:"state" enum:"created,funded,accepted,in_progress,delivered,disputed,completed,refunded,arbitrated"`
	CreatedAt    string   `json:"created_at" format:"date-time"`
	UpdatedAt    string   `json:"updated_at" format:"date-time"`
}

type Bid struct {
	ID        int64  `json:"id"`
	JobID     int64  `json:"job_id"`
	Agent     string `json:"agent"`
	Amount    int64  `json:"amount"`
	Timeline  int64  `json:"timeline"`
	Proposal  string `json:"proposal,omitempty"`
	Active    bool   `json:"active"`
	Selected  bool   `json:"selected"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Dispute struct {
	ID              int64   `json:"id"`
	JobID           int64   `json:"job_id"`
	RaisedBy        string  `json:"raised_by"`
	Reason          string  `json:"reason"`
	EvidenceURI     *string `json:"evidence_uri,omitempty"`
	Resolution      string  `json:"resolution" enum:",arbitrated,owner_timeout"`
	Resolver        *string `json:"resolver,omitempty"`
	ClientAmount    int64   `json:"client_amount"`
	AgentAmount     int64   `json:"agent_amount"`
	ResolutionNotes string  `json:"resolution_notes,omitempty"`
	CreatedAt       string  `json:"created_at" format:"date-time"`
	ResolvedAt      *string `json:"resolved_at,omitempty" format:"date-time"`
}

type Arbitrator struct {
	Account         string `json:"account"`
	FeeBP           int64  `json:"fee_bp"`
	Stake           int64  `json:"stake"`
	Active          bool   `json:"active"`
	TotalCases      int64  `json:"total_cases"`
	SuccessfulCases int64  `json:"successful_cases"`
	CreatedAt       string `json:"created_at" format:"date-time"`
}

type Validator struct {
	Account              string   `json:"account"`
	Method               string   `json:"method"`
	Specializations      []string `json:"specializations,omitempty"`
	Stake                int64    `json:"stake"`
	Active               bool     `json:"active"`
	AccuracyBP           int64    `json:"accuracy_bp"`
	TotalValidations     int64    `json:"total_validations"`
	IncorrectValidations int64    `json:"incorrect_validations"`
	PendingChallenges    int64    `json:"pending_challenges"`
	CreatedAt            string   `json:"created_at" format:"date-time"`
}

type Validation struct {
	ID          int64   `json:"id"`
	Validator   string  `json:"validator"`
	Agent       string  `json:"agent"`
	JobHash     string  `json:"job_hash"`
	Result      string  `json:"result" enum:"fail,pass,partial"`
	Confidence  int64   `json:"confidence"`
	EvidenceURI *string `json:"evidence_uri,omitempty"`
	Challenged  bool    `json:"challenged"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
}

type Challenge struct {
	ID           int64   `json:"id"`
	ValidationID int64   `json:"validation_id"`
	Challenger   string  `json:"challenger"`
	Reason       string  `json:"reason"`
	EvidenceURI  *string `json:"evidence_uri,omitempty"`
	Status       string  `json:"status" enum:"pending,upheld,rejected"`
	StakeAmount  int64   `json:"stake_amount"`
	CreatedAt    string  `json:"created_at" format:"date-time"`
	ResolvedAt   *string `json:"resolved_at,omitempty" format:"date-time"`
}

// UnstakeRequest is a delayed withdrawal of arbitrator or validator stake.
type UnstakeRequest struct {
	ID        int64  `json:"id"`
	Account   string `json:"account"`
	Role      string `json:"role" enum:"arbitrator,validator"`
	Amount    int64  `json:"amount"`
	ReleaseAt string `json:"release_at" format:"date-time"`
	Status    string `json:"status" enum:"pending,withdrawn,cancelled"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Account struct {
	Account     string `json:"account"`
	KYCTier     int    `json:"kyc_tier"`
	Balance     int64  `json:"balance"`
	SystemStake int64  `json:"system_stake"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type Feedback struct {
	ID        int64  `json:"id"`
	JobID     int64  `json:"job_id"`
	Agent     string `json:"agent"`
	Reviewer  string `json:"reviewer"`
	Score     int64  `json:"score"`
	Comment   string `json:"comment,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Transfer struct {
	ID        int64  `json:"id"`
	From      string `json:"from"`
	To        string `json:"to"`
	Amount    int64  `json:"amount"`
	Memo      string `json:"memo,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// TrustScore is derived on read, never persisted.
type TrustScore struct {
	Account    string `json:"account"`
	Score      int64  `json:"score"`
	KYC        int64  `json:"kyc"`
	Stake      int64  `json:"stake"`
	Reputation int64  `json:"reputation"`
	Longevity  int64  `json:"longevity"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	MarketID   string `json:"market_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	Account   string `json:"account"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// Terminal reports whether a job state admits no further transitions.
func Terminal(state string) bool {
	switch state {
	case JobCompleted, JobRefunded, JobArbitrated:
		return true
	}
	return false
}

// Unassigned reports whether the job has no agent yet.
func (j Job) Unassigned() bool {
	return j.Agent == nil || *j.Agent == ""
}
