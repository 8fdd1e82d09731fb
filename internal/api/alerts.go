package api

import (
	"github.com/labstack/echo/v4"

	"github.com/rewired-gh/quantflow/internal/alert"
	"github.com/rewired-gh/quantflow/internal/models"
)

func (h *Handler) ListRules(c echo.Context) error {
	rules := h.alerts.Rules()
	return ListResponse(c, rules, len(rules))
}

func (h *Handler) CreateRule(c echo.Context) error {
	req := &CreateRuleRequest{}
	if verr := ReadAndValidateRequest(c, req); verr != nil {
		return BadRequestResponse(c, verr)
	}
	rule, err := h.alerts.AddRule(models.AlertRule{
		Name:      req.Name,
		Condition: req.Condition,
		Symbol:    req.Symbol,
		Enabled:   *req.Enabled,
	})
	if err != nil {
		return AppErrorResponse(c, err)
	}
	return CreatedResponse(c, rule)
}

func (h *Handler) GetRule(c echo.Context) error {
	req := &RuleIDRequest{}
	if verr := ReadAndValidateRequest(c, req); verr != nil {
		return BadRequestResponse(c, verr)
	}
	rule, ok := h.alerts.Rule(req.ID)
	if !ok {
		return AppErrorResponse(c, alert.ErrRuleNotFound)
	}
	return SuccessResponse(c, rule)
}

func (h *Handler) UpdateRule(c echo.Context) error {
	req := &UpdateRuleRequest{}
	if verr := ReadAndValidateRequest(c, req); verr != nil {
		return BadRequestResponse(c, verr)
	}
	rule, err := h.alerts.UpdateRule(req.ID, alert.RulePatch{
		Name:      req.Name,
		Condition: req.Condition,
		Symbol:    req.Symbol,
		Enabled:   req.Enabled,
	})
	if err != nil {
		return AppErrorResponse(c, err)
	}
	return SuccessResponse(c, rule)
}

func (h *Handler) DeleteRule(c echo.Context) error {
	req := &RuleIDRequest{}
	if verr := ReadAndValidateRequest(c, req); verr != nil {
		return BadRequestResponse(c, verr)
	}
	if err := h.alerts.RemoveRule(req.ID); err != nil {
		return AppErrorResponse(c, err)
	}
	return NoContentResponse(c)
}

// Triggers lists the most recent triggers, oldest first.
func (h *Handler) Triggers(c echo.Context) error {
	req := &TriggersRequest{}
	if verr := ReadAndValidateRequest(c, req); verr != nil {
		return BadRequestResponse(c, verr)
	}
	trig := h.alerts.Triggers(req.Limit)
	return ListResponse(c, trig, len(trig))
}
