package usecase

import (
	"context"

	"github.com/dvaper/proxmox-commander/internal/domain"
	apperrors "github.com/dvaper/proxmox-commander/internal/pkg/errors"
)

// TerraformAction is an ad-hoc IaC run.
type TerraformAction string

const (
	TerraformPlan    TerraformAction = "plan"
	TerraformApply   TerraformAction = "apply"
	TerraformDestroy TerraformAction = "destroy"
	TerraformRefresh TerraformAction = "refresh"
)

// RunPlaybook validates req and dispatches it as a provisioning run.
func (o *Orchestrator) RunPlaybook(ctx context.Context, req domain.PlaybookRequest) (*domain.Execution, error) {
	if err := o.prov.Validate(req); err != nil {
		return nil, err
	}
	return o.submitPlaybook(ctx, req, "")
}

func (o *Orchestrator) submitPlaybook(ctx context.Context, req domain.PlaybookRequest, parentID string) (*domain.Execution, error) {
	target := req.Limit()
	if target == "" {
		target = "all"
	}
	params := map[string]interface{}{
		domain.ParamOperation:       domain.OpAnsiblePlaybook,
		domain.ParamPlaybookRequest: req,
	}
	if parentID != "" {
		params[domain.ParamParentExecution] = parentID
	}
	return o.submit(ctx, domain.KindProvisioningRun, target, params, nil)
}

// RunTerraform dispatches an IaC run. With a name, apply and destroy go
// through the VM lifecycle exactly like Apply and Destroy. Without one,
// plan, apply and refresh run against the whole workspace; destroying the
// whole workspace is refused.
func (o *Orchestrator) RunTerraform(ctx context.Context, action TerraformAction, name string) (*domain.Execution, error) {
	if name != "" {
		switch action {
		case TerraformPlan:
			return o.Plan(ctx, name)
		case TerraformApply:
			return o.Apply(ctx, name, ApplyInput{})
		case TerraformDestroy:
			return o.Destroy(ctx, name)
		}
	}

	var op string
	switch action {
	case TerraformPlan:
		op = domain.OpTerraformPlan
	case TerraformApply:
		op = domain.OpTerraformApply
	case TerraformRefresh:
		op = domain.OpTerraformRefresh
	case TerraformDestroy:
		return nil, apperrors.ErrValidationf("destroy requires a vm name")
	default:
		return nil, apperrors.ErrValidationf("unknown terraform action %q", action)
	}
	return o.submit(ctx, domain.KindInfrastructureApply, "", map[string]interface{}{
		domain.ParamOperation: op,
	}, nil)
}
