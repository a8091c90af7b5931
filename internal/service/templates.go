package service

import (
	"context"

	"go.uber.org/zap"

	"github.com/stackbrowse/orchestrator/internal/model"
	"github.com/stackbrowse/orchestrator/internal/store"
)

// templateOwner owns the built-in templates; they are visible to every
// caller through the templates filter.
const templateOwner = "system"

// builtinTemplates are ready-to-clone workflows covering the common browser
// automation shapes.
func builtinTemplates() []CreateWorkflowRequest {
	return []CreateWorkflowRequest{
		{
			Name:       "page-scrape",
			OwnerID:    templateOwner,
			IsTemplate: true,
			Definition: model.Definition{
				Variables: map[string]interface{}{
					"url":      "https://example.com",
					"selector": "body",
				},
				Tasks: []model.TaskSpec{
					{
						Name:      "open",
						AgentType: "browser",
						Action:    "navigate",
						Parameters: map[string]interface{}{
							"url": "${variables.url}",
						},
					},
					{
						Name:      "extract",
						AgentType: "browser",
						Action:    "get_text",
						DependsOn: []string{"open"},
						Parameters: map[string]interface{}{
							"selector": "${variables.selector}",
						},
					},
				},
			},
		},
		{
			Name:       "page-screenshot",
			OwnerID:    templateOwner,
			IsTemplate: true,
			Definition: model.Definition{
				Variables: map[string]interface{}{
					"url": "https://example.com",
				},
				Tasks: []model.TaskSpec{
					{
						Name:      "open",
						AgentType: "browser",
						Action:    "navigate",
						Parameters: map[string]interface{}{
							"url": "${variables.url}",
						},
					},
					{
						Name:      "capture",
						AgentType: "browser",
						Action:    "screenshot",
						DependsOn: []string{"open"},
						Parameters: map[string]interface{}{
							"full_page": true,
						},
					},
				},
			},
		},
		{
			Name:       "form-submit",
			OwnerID:    templateOwner,
			IsTemplate: true,
			Definition: model.Definition{
				OnError: model.OnErrorStop,
				Variables: map[string]interface{}{
					"url":             "https://example.com/login",
					"input_selector":  "input[name=q]",
					"input_value":     "",
					"submit_selector": "button[type=submit]",
				},
				Tasks: []model.TaskSpec{
					{
						Name:      "open",
						AgentType: "browser",
						Action:    "navigate",
						Parameters: map[string]interface{}{
							"url": "${variables.url}",
						},
					},
					{
						Name:      "fill",
						AgentType: "browser",
						Action:    "type",
						DependsOn: []string{"open"},
						Parameters: map[string]interface{}{
							"selector": "${variables.input_selector}",
							"text":     "${variables.input_value}",
						},
					},
					{
						Name:      "submit",
						AgentType: "browser",
						Action:    "click",
						DependsOn: []string{"fill"},
						Parameters: map[string]interface{}{
							"selector": "${variables.submit_selector}",
						},
					},
					{
						Name:      "confirm",
						AgentType: "browser",
						Action:    "get_content",
						DependsOn: []string{"submit"},
					},
				},
			},
		},
	}
}

// RegisterBuiltinTemplates creates any built-in template not yet present.
// Safe to call on every startup.
func (s *Service) RegisterBuiltinTemplates(ctx context.Context) error {
	existing, err := s.store.ListWorkflows(ctx, templateOwner, store.ListFilter{TemplatesOnly: true})
	if err != nil {
		return err
	}
	have := make(map[string]bool, len(existing))
	for _, wf := range existing {
		have[wf.Name] = true
	}
	for _, tpl := range builtinTemplates() {
		if have[tpl.Name] {
			continue
		}
		if _, err := s.CreateWorkflow(ctx, tpl); err != nil {
			return err
		}
		s.logger.Info("Built-in template registered", zap.String("name", tpl.Name))
	}
	return nil
}
