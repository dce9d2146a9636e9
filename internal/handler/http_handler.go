package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/brixapay/be-expense-approvals/internal/apperrors"
	"github.com/brixapay/be-expense-approvals/internal/policy"
	"github.com/brixapay/be-expense-approvals/internal/repository"
	"github.com/brixapay/be-expense-approvals/internal/service"
)

// HTTPHandler exposes the approval engine over JSON/HTTP.
type HTTPHandler struct {
	approvals   *service.ApprovalService
	chains      *service.ChainRuleService
	delegations *service.DelegationService
	escalations *service.EscalationService
	hierarchy   *service.HierarchyService
	resolver    *policy.Resolver
	log         zerolog.Logger
}

// NewHTTPHandler creates a new HTTP handler.
func NewHTTPHandler(
	approvals *service.ApprovalService,
	chains *service.ChainRuleService,
	delegations *service.DelegationService,
	escalations *service.EscalationService,
	hierarchy *service.HierarchyService,
	resolver *policy.Resolver,
	log zerolog.Logger,
) *HTTPHandler {
	return &HTTPHandler{
		approvals:   approvals,
		chains:      chains,
		delegations: delegations,
		escalations: escalations,
		hierarchy:   hierarchy,
		resolver:    resolver,
		log:         log,
	}
}

// ── Response helpers ──────────────────────────────────────────────────────────

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		json.NewEncoder(w).Encode(body)
	}
}

func (h *HTTPHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		h.log.Error().Err(err).Str("path", r.URL.Path).Msg("Request failed")
	}
	writeJSON(w, status, map[string]interface{}{
		"error": err.Error(),
		"code":  string(apperrors.Code(err)),
	})
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid request body"})
		return false
	}
	return true
}

// ── Hierarchy nodes ───────────────────────────────────────────────────────────

// CreateNode handles POST /api/v1/hierarchy/nodes.
func (h *HTTPHandler) CreateNode(w http.ResponseWriter, r *http.Request) {
	var node repository.HierarchyNode
	if !decodeBody(w, r, &node) {
		return
	}
	created, err := h.hierarchy.CreateNode(r.Context(), &node)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

// GetNode handles GET /api/v1/hierarchy/nodes/get?id=.
func (h *HTTPHandler) GetNode(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Node ID is required"})
		return
	}
	node, err := h.hierarchy.GetNode(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, node)
}

// ListNodes handles GET /api/v1/hierarchy/nodes with an optional ?type= filter.
func (h *HTTPHandler) ListNodes(w http.ResponseWriter, r *http.Request) {
	var typeFilter *repository.NodeType
	if t := r.URL.Query().Get("type"); t != "" {
		nt := repository.NodeType(t)
		typeFilter = &nt
	}
	nodes, err := h.hierarchy.ListNodes(r.Context(), typeFilter)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"nodes": nodes, "total": len(nodes)})
}

// ── Card control policies ─────────────────────────────────────────────────────

// UpsertPolicy handles PUT /api/v1/hierarchy/policies.
func (h *HTTPHandler) UpsertPolicy(w http.ResponseWriter, r *http.Request) {
	var p repository.CardControlPolicy
	if !decodeBody(w, r, &p) {
		return
	}
	stored, err := h.hierarchy.UpsertPolicy(r.Context(), &p)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stored)
}

// GetPolicy handles GET /api/v1/hierarchy/policies?node_id=. It returns the
// node's own policy document, not the merged effective view.
func (h *HTTPHandler) GetPolicy(w http.ResponseWriter, r *http.Request) {
	nodeID := r.URL.Query().Get("node_id")
	if nodeID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Node ID is required"})
		return
	}
	p, err := h.hierarchy.GetPolicy(r.Context(), nodeID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// GetEffectivePolicy handles GET /api/v1/hierarchy/policies/effective
// ?node_id=&node_type=.
func (h *HTTPHandler) GetEffectivePolicy(w http.ResponseWriter, r *http.Request) {
	nodeID := r.URL.Query().Get("node_id")
	nodeType := r.URL.Query().Get("node_type")
	if nodeID == "" || nodeType == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Node ID and node type are required"})
		return
	}
	eff, err := h.resolver.ResolveEffective(r.Context(), nodeID, repository.NodeType(nodeType))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, eff)
}

// ── Approval chain rules ──────────────────────────────────────────────────────

// ListChainRules handles GET /api/v1/approval-rules.
func (h *HTTPHandler) ListChainRules(w http.ResponseWriter, r *http.Request) {
	rules, err := h.chains.List(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"rules": rules, "total": len(rules)})
}

// CreateChainRule handles POST /api/v1/approval-rules.
func (h *HTTPHandler) CreateChainRule(w http.ResponseWriter, r *http.Request) {
	var rule repository.ApprovalChainRule
	if !decodeBody(w, r, &rule) {
		return
	}
	if err := h.chains.Add(r.Context(), &rule); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, &rule)
}

// GetChainRule handles GET /api/v1/approval-rules/get?id=.
func (h *HTTPHandler) GetChainRule(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Rule ID is required"})
		return
	}
	rule, err := h.chains.Get(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

// UpdateChainRule handles PUT /api/v1/approval-rules/update.
func (h *HTTPHandler) UpdateChainRule(w http.ResponseWriter, r *http.Request) {
	var rule repository.ApprovalChainRule
	if !decodeBody(w, r, &rule) {
		return
	}
	if rule.ID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Rule ID is required"})
		return
	}
	if err := h.chains.Update(r.Context(), &rule); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, &rule)
}

// DeleteChainRule handles DELETE /api/v1/approval-rules/delete?id=.
func (h *HTTPHandler) DeleteChainRule(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Rule ID is required"})
		return
	}
	if err := h.chains.Delete(r.Context(), id); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ── Approval instances ────────────────────────────────────────────────────────

// SubmitApproval handles POST /api/v1/approvals/submit.
func (h *HTTPHandler) SubmitApproval(w http.ResponseWriter, r *http.Request) {
	var req service.SubmitRequest
	if !decodeBody(w, r, &req) {
		return
	}
	inst, err := h.approvals.Submit(r.Context(), &req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, inst)
}

// Decide handles POST /api/v1/approvals/decide.
func (h *HTTPHandler) Decide(w http.ResponseWriter, r *http.Request) {
	var req struct {
		InstanceID string `json:"instance_id"`
		Action     string `json:"action"`
		ApproverID string `json:"approver_id"`
		Comment    string `json:"comment"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	inst, err := h.approvals.Decide(r.Context(), req.InstanceID, service.DecisionAction(req.Action), req.ApproverID, req.Comment)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

// DelegateApproval handles POST /api/v1/approvals/delegate.
func (h *HTTPHandler) DelegateApproval(w http.ResponseWriter, r *http.Request) {
	var req struct {
		InstanceID   string `json:"instance_id"`
		FromApprover string `json:"from_approver"`
		ToApprover   string `json:"to_approver"`
		Reason       string `json:"reason"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	inst, err := h.approvals.Delegate(r.Context(), req.InstanceID, req.FromApprover, req.ToApprover, req.Reason)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

// RecallApproval handles POST /api/v1/approvals/recall.
func (h *HTTPHandler) RecallApproval(w http.ResponseWriter, r *http.Request) {
	var req struct {
		InstanceID string `json:"instance_id"`
		RecalledBy string `json:"recalled_by"`
		Reason     string `json:"reason"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	inst, err := h.approvals.Recall(r.Context(), req.InstanceID, req.RecalledBy, req.Reason)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

// GetApproval handles GET /api/v1/approvals/get?id=.
func (h *HTTPHandler) GetApproval(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Instance ID is required"})
		return
	}
	inst, err := h.approvals.Get(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

// PendingApprovals handles GET /api/v1/approvals/pending?user_id=.
func (h *HTTPHandler) PendingApprovals(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "User ID is required"})
		return
	}
	instances, err := h.approvals.PendingForUser(r.Context(), userID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"approvals": instances, "total": len(instances)})
}

// ApprovalHistory handles GET /api/v1/approvals/history?id=.
func (h *HTTPHandler) ApprovalHistory(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Instance ID is required"})
		return
	}
	entries, err := h.approvals.History(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"history": entries, "total": len(entries)})
}

// ── Delegation grants ─────────────────────────────────────────────────────────

// CreateDelegation handles POST /api/v1/delegations.
func (h *HTTPHandler) CreateDelegation(w http.ResponseWriter, r *http.Request) {
	var req service.CreateDelegationRequest
	if !decodeBody(w, r, &req) {
		return
	}
	d, err := h.delegations.Create(r.Context(), &req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, d)
}

// ListDelegations handles GET /api/v1/delegations with ?active=true filter.
func (h *HTTPHandler) ListDelegations(w http.ResponseWriter, r *http.Request) {
	activeOnly := r.URL.Query().Get("active") == "true"
	list, err := h.delegations.List(r.Context(), activeOnly)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"delegations": list, "total": len(list)})
}

// GetDelegation handles GET /api/v1/delegations/get?id=.
func (h *HTTPHandler) GetDelegation(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Delegation ID is required"})
		return
	}
	d, err := h.delegations.Get(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// RevokeDelegation handles POST /api/v1/delegations/revoke.
func (h *HTTPHandler) RevokeDelegation(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID        string `json:"id"`
		RevokedBy string `json:"revoked_by"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	if err := h.delegations.Revoke(r.Context(), req.ID, req.RevokedBy); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "revoked"})
}

// ── Escalations ───────────────────────────────────────────────────────────────

// RunEscalationSweep handles POST /api/v1/escalations/sweep. The scheduler
// calls this; it is also safe to invoke by hand since the sweep is
// idempotent.
func (h *HTTPHandler) RunEscalationSweep(w http.ResponseWriter, r *http.Request) {
	result, err := h.escalations.RunSweep(r.Context(), time.Now().UTC())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// GetEscalationConfig handles GET /api/v1/escalations/config.
func (h *HTTPHandler) GetEscalationConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := h.escalations.GetConfig(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

// UpdateEscalationConfig handles PATCH /api/v1/escalations/config.
func (h *HTTPHandler) UpdateEscalationConfig(w http.ResponseWriter, r *http.Request) {
	var patch service.ConfigPatch
	if !decodeBody(w, r, &patch) {
		return
	}
	cfg, err := h.escalations.UpdateConfig(r.Context(), &patch)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}
