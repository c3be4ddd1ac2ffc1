package domain

// State is the workflow state a stage projects onto the records it holds.
type State string

const (
	StateDraft    State = "draft"
	StateAnalysis State = "analysis"
	StatePending  State = "pending"
	StateOpen     State = "open"
	StateDone     State = "done"
	StateCancel   State = "cancel"
)

// NotOpen reports whether a record in this state has not yet had its action plan approved.
func (s State) NotOpen() bool {
	return s == StateDraft || s == StateAnalysis || s == StatePending
}

type KanbanState string

const (
	KanbanNormal  KanbanState = "normal"
	KanbanDone    KanbanState = "done"
	KanbanBlocked KanbanState = "blocked"
)

func (k KanbanState) Valid() bool {
	return k == KanbanNormal || k == KanbanDone || k == KanbanBlocked
}

type Priority string

const (
	PriorityLow    Priority = "0"
	PriorityNormal Priority = "1"
	PriorityHigh   Priority = "2"
)

func (p Priority) Valid() bool {
	return p == PriorityLow || p == PriorityNormal || p == PriorityHigh
}

const (
	ScopeNonconformity = "nonconformity"
	ScopeAction        = "action"
)

type Stage struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Scope        string `json:"scope" enum:"nonconformity,action"`
	Sequence     int    `json:"sequence"`
	State        State  `json:"state"`
	IsStarting   bool   `json:"is_starting"`
	IsEnding     bool   `json:"is_ending"`
	MailTemplate string `json:"mail_template,omitempty"`
}

type Nonconformity struct {
	ID                      string      `json:"id"`
	Ref                     string      `json:"ref"`
	Name                    string      `json:"name,omitempty"`
	Description             string      `json:"description"`
	Reference               string      `json:"reference,omitempty"`
	PartnerID               *string     `json:"partner_id,omitempty"`
	SystemID                *string     `json:"system_id,omitempty"`
	CreateDate              string      `json:"create_date" format:"date-time"`
	WriteDate               string      `json:"write_date" format:"date-time"`
	DateDeadline            *string     `json:"date_deadline,omitempty" format:"date-time"`
	ClosingDate             *string     `json:"closing_date,omitempty" format:"date-time"`
	CancelDate              *string     `json:"cancel_date,omitempty" format:"date-time"`
	StageID                 string      `json:"stage_id"`
	State                   State       `json:"state" enum:"draft,analysis,pending,open,done,cancel"`
	KanbanState             KanbanState `json:"kanban_state" enum:"normal,done,blocked"`
	Priority                Priority    `json:"priority" enum:"0,1,2"`
	SeverityID              *string     `json:"severity_id,omitempty"`
	CauseIDs                []string    `json:"cause_ids,omitempty"`
	OriginIDs               []string    `json:"origin_ids"`
	ProcedureIDs            []string    `json:"procedure_ids,omitempty"`
	ImmediateActionID       *string     `json:"immediate_action_id,omitempty"`
	CorrectiveActionID      *string     `json:"corrective_action_id,omitempty"`
	PreventiveActionID      *string     `json:"preventive_action_id,omitempty"`
	ActionIDs               []string    `json:"action_ids,omitempty"`
	Analysis                string      `json:"analysis,omitempty"`
	ActionComments          string      `json:"action_comments,omitempty"`
	EvaluationComments      string      `json:"evaluation_comments,omitempty"`
	CompanyID               string      `json:"company_id,omitempty"`
	ResponsibleUserID       string      `json:"responsible_user_id"`
	ManagerUserID           string      `json:"manager_user_id"`
	UserID                  string      `json:"user_id"`
	AuthorUserID            string      `json:"author_user_id"`
	NumberOfNonconformities int         `json:"number_of_nonconformities"`
	DaysSinceUpdated        int         `json:"days_since_updated"`
	NumberOfDaysToClose     int         `json:"number_of_days_to_close"`
}

// LinkedActionIDs returns the action set plus the immediate, corrective and
// preventive actions, deduplicated, in that order.
func (n Nonconformity) LinkedActionIDs() []string {
	seen := map[string]struct{}{}
	var out []string
	add := func(id string) {
		if id == "" {
			return
		}
		if _, ok := seen[id]; ok {
			return
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	for _, id := range n.ActionIDs {
		add(id)
	}
	for _, ptr := range []*string{n.ImmediateActionID, n.CorrectiveActionID, n.PreventiveActionID} {
		if ptr != nil {
			add(*ptr)
		}
	}
	return out
}

type Action struct {
	ID                string  `json:"id"`
	Name              string  `json:"name"`
	Type              string  `json:"type" enum:"immediate,corrective,preventive,improvement"`
	StageID           string  `json:"stage_id"`
	ResponsibleUserID *string `json:"responsible_user_id,omitempty"`
	DateDeadline      *string `json:"date_deadline,omitempty" format:"date-time"`
	DateOpen          *string `json:"date_open,omitempty" format:"date-time"`
	DateClosed        *string `json:"date_closed,omitempty" format:"date-time"`
	CreateDate        string  `json:"create_date" format:"date-time"`
}

type User struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type MailMessage struct {
	ID         int64  `json:"id"`
	Template   string `json:"template"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id"`
	Recipient  string `json:"recipient"`
	Subject    string `json:"subject"`
	Body       string `json:"body"`
	Status     string `json:"status" enum:"queued,sending,sent,failed"`
	Attempts   int    `json:"attempts"`
	LastError  string `json:"last_error,omitempty"`
	CreatedAt  string `json:"created_at" format:"date-time"`
	SentAt     string `json:"sent_at,omitempty" format:"date-time"`
}
