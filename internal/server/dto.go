package server

import (
	"mgmtsystem/internal/domain"
	"mgmtsystem/internal/engine"
	"mgmtsystem/internal/workflow"
)

// Request payloads

type CreateNonconformityRequest struct {
	ID                 string          `json:"id,omitempty"`
	Ref                string          `json:"ref,omitempty" doc:"Ignored; the reference is always drawn from the sequence"`
	Name               string          `json:"name,omitempty"`
	Description        string          `json:"description"`
	Reference          string          `json:"reference,omitempty"`
	PartnerID          string          `json:"partner_id,omitempty"`
	SystemID           string          `json:"system_id,omitempty"`
	DateDeadline       string          `json:"date_deadline,omitempty" doc:"RFC3339 timestamp or YYYY-MM-DD, stored in UTC"`
	StageID            string          `json:"stage_id,omitempty"`
	Priority           domain.Priority `json:"priority,omitempty" enum:"0,1,2"`
	SeverityID         string          `json:"severity_id,omitempty"`
	CauseIDs           []string        `json:"cause_ids,omitempty"`
	OriginIDs          []string        `json:"origin_ids" minItems:"1"`
	ProcedureIDs       []string        `json:"procedure_ids,omitempty"`
	ImmediateActionID  string          `json:"immediate_action_id,omitempty"`
	CorrectiveActionID string          `json:"corrective_action_id,omitempty"`
	PreventiveActionID string          `json:"preventive_action_id,omitempty"`
	ActionIDs          []string        `json:"action_ids,omitempty"`
	Analysis           string          `json:"analysis,omitempty"`
	ActionComments     string          `json:"action_comments,omitempty"`
	EvaluationComments string          `json:"evaluation_comments,omitempty"`
	CompanyID          string          `json:"company_id,omitempty"`
	ResponsibleUserID  string          `json:"responsible_user_id"`
	ManagerUserID      string          `json:"manager_user_id"`
	UserID             string          `json:"user_id,omitempty"`
	AuthorUserID       string          `json:"author_user_id,omitempty"`
}

func (r CreateNonconformityRequest) options(actorID string) engine.NonconformityCreateOptions {
	return engine.NonconformityCreateOptions{
		ID:                 r.ID,
		Ref:                r.Ref,
		Name:               r.Name,
		Description:        r.Description,
		Reference:          r.Reference,
		PartnerID:          r.PartnerID,
		SystemID:           r.SystemID,
		DateDeadline:       r.DateDeadline,
		StageID:            r.StageID,
		Priority:           r.Priority,
		SeverityID:         r.SeverityID,
		CauseIDs:           r.CauseIDs,
		OriginIDs:          r.OriginIDs,
		ProcedureIDs:       r.ProcedureIDs,
		ImmediateActionID:  r.ImmediateActionID,
		CorrectiveActionID: r.CorrectiveActionID,
		PreventiveActionID: r.PreventiveActionID,
		ActionIDs:          r.ActionIDs,
		Analysis:           r.Analysis,
		ActionComments:     r.ActionComments,
		EvaluationComments: r.EvaluationComments,
		CompanyID:          r.CompanyID,
		ResponsibleUserID:  r.ResponsibleUserID,
		ManagerUserID:      r.ManagerUserID,
		UserID:             r.UserID,
		AuthorUserID:       r.AuthorUserID,
		ActorID:            actorID,
	}
}

// UpdateNonconformityRequest sets only the fields present. Optional references
// are cleared with an empty string.
type UpdateNonconformityRequest struct {
	Name               *string             `json:"name,omitempty"`
	Description        *string             `json:"description,omitempty"`
	Reference          *string             `json:"reference,omitempty"`
	PartnerID          *string             `json:"partner_id,omitempty"`
	SystemID           *string             `json:"system_id,omitempty"`
	SeverityID         *string             `json:"severity_id,omitempty"`
	DateDeadline       *string             `json:"date_deadline,omitempty" doc:"RFC3339 timestamp or YYYY-MM-DD, stored in UTC; empty clears it"`
	StageID            *string             `json:"stage_id,omitempty"`
	KanbanState        *domain.KanbanState `json:"kanban_state,omitempty" enum:"normal,done,blocked"`
	Priority           *domain.Priority    `json:"priority,omitempty" enum:"0,1,2"`
	Analysis           *string             `json:"analysis,omitempty"`
	ActionComments     *string             `json:"action_comments,omitempty"`
	EvaluationComments *string             `json:"evaluation_comments,omitempty"`
	CompanyID          *string             `json:"company_id,omitempty"`
	ResponsibleUserID  *string             `json:"responsible_user_id,omitempty"`
	ManagerUserID      *string             `json:"manager_user_id,omitempty"`
	UserID             *string             `json:"user_id,omitempty"`
	AuthorUserID       *string             `json:"author_user_id,omitempty"`
	ImmediateActionID  *string             `json:"immediate_action_id,omitempty"`
	CorrectiveActionID *string             `json:"corrective_action_id,omitempty"`
	PreventiveActionID *string             `json:"preventive_action_id,omitempty"`
	ActionIDs          *[]string           `json:"action_ids,omitempty"`
	AddActionIDs       []string            `json:"add_action_ids,omitempty"`
	RemoveActionIDs    []string            `json:"remove_action_ids,omitempty"`
	CauseIDs           *[]string           `json:"cause_ids,omitempty"`
	OriginIDs          *[]string           `json:"origin_ids,omitempty"`
	ProcedureIDs       *[]string           `json:"procedure_ids,omitempty"`
}

func (r UpdateNonconformityRequest) change() workflow.Change {
	return workflow.Change{
		Name:               r.Name,
		Description:        r.Description,
		Reference:          r.Reference,
		PartnerID:          r.PartnerID,
		SystemID:           r.SystemID,
		SeverityID:         r.SeverityID,
		DateDeadline:       r.DateDeadline,
		StageID:            r.StageID,
		KanbanState:        r.KanbanState,
		Priority:           r.Priority,
		Analysis:           r.Analysis,
		ActionComments:     r.ActionComments,
		EvaluationComments: r.EvaluationComments,
		CompanyID:          r.CompanyID,
		ResponsibleUserID:  r.ResponsibleUserID,
		ManagerUserID:      r.ManagerUserID,
		UserID:             r.UserID,
		AuthorUserID:       r.AuthorUserID,
		ImmediateActionID:  r.ImmediateActionID,
		CorrectiveActionID: r.CorrectiveActionID,
		PreventiveActionID: r.PreventiveActionID,
		ActionIDs:          r.ActionIDs,
		AddActionIDs:       r.AddActionIDs,
		RemoveActionIDs:    r.RemoveActionIDs,
		CauseIDs:           r.CauseIDs,
		OriginIDs:          r.OriginIDs,
		ProcedureIDs:       r.ProcedureIDs,
	}
}

type CreateActionRequest struct {
	ID                string `json:"id,omitempty"`
	Name              string `json:"name"`
	Type              string `json:"type,omitempty" enum:"immediate,corrective,preventive,improvement"`
	StageID           string `json:"stage_id,omitempty"`
	ResponsibleUserID string `json:"responsible_user_id,omitempty"`
	DateDeadline      string `json:"date_deadline,omitempty" doc:"RFC3339 timestamp or YYYY-MM-DD, stored in UTC"`
}

type UpdateActionRequest struct {
	StageID string `json:"stage_id"`
}

type RunRemindersRequest struct {
	Days *int `json:"days,omitempty" minimum:"0" doc:"Lookahead in days; the configured value when omitted"`
}

// Response payloads

type NonconformityResponse struct {
	domain.Nonconformity
	URL string `json:"url"`
}

type paginatedNonconformities struct {
	Items []NonconformityResponse `json:"items"`
}

type paginatedActions struct {
	Items []domain.Action `json:"items"`
}

type paginatedEvents struct {
	Items      []domain.Event `json:"items"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

type URLResponse struct {
	URL string `json:"url"`
}
