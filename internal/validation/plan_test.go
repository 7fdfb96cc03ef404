package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plturrell/procflow/pkg/schema"
)

func newValidator(t *testing.T) *PlanValidator {
	t.Helper()
	v, err := NewPlanValidator()
	require.NoError(t, err)
	return v
}

func validPlan() *schema.Plan {
	return &schema.Plan{
		ID:   "loan-approval",
		Name: "Loan approval",
		Steps: []schema.Step{
			{ID: "start", Type: schema.StepTypeStart},
			{ID: "score", Type: schema.StepTypeServiceTask, CapabilityID: "risk.v1", OutputVariable: "score"},
			{ID: "route", Type: schema.StepTypeExclusiveGateway,
				Condition: "output.score > 0.7", TrueTarget: "approve", FalseTarget: "review"},
			{ID: "review", Type: schema.StepTypeUserTask, Assignee: "underwriting", Timeout: "24h"},
			{ID: "approve", Type: schema.StepTypeScriptTask,
				Script: &schema.ScriptSpec{Language: "expr", Source: `"approved"`}},
			{ID: "end", Type: schema.StepTypeEnd},
		},
	}
}

func TestValidatePlan_Accepts(t *testing.T) {
	v := newValidator(t)
	require.NoError(t, v.ValidatePlan(validPlan()))
}

func TestValidatePlan_Nil(t *testing.T) {
	v := newValidator(t)
	err := v.ValidatePlan(nil)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodePlanInvalid, schema.CodeOf(err))
}

func TestValidatePlan_NoSteps(t *testing.T) {
	v := newValidator(t)
	err := v.ValidatePlan(&schema.Plan{ID: "empty"})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodePlanInvalid, schema.CodeOf(err))
}

func TestValidatePlan_UnknownStepType(t *testing.T) {
	v := newValidator(t)
	err := v.ValidatePlan(&schema.Plan{Steps: []schema.Step{
		{ID: "weird", Type: "intermediateCatchEvent"},
	}})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodePlanInvalid, schema.CodeOf(err))
}

func TestValidatePlan_ServiceTaskRequiresCapability(t *testing.T) {
	v := newValidator(t)
	err := v.ValidatePlan(&schema.Plan{Steps: []schema.Step{
		{ID: "work", Type: schema.StepTypeServiceTask},
	}})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodePlanInvalid, schema.CodeOf(err))
}

func TestValidatePlan_ScriptTaskRequiresScript(t *testing.T) {
	v := newValidator(t)
	err := v.ValidatePlan(&schema.Plan{Steps: []schema.Step{
		{ID: "calc", Type: schema.StepTypeScriptTask},
	}})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodePlanInvalid, schema.CodeOf(err))
}

func TestValidatePlan_BadScriptLanguage(t *testing.T) {
	v := newValidator(t)
	err := v.ValidatePlan(&schema.Plan{Steps: []schema.Step{
		{ID: "calc", Type: schema.StepTypeScriptTask,
			Script: &schema.ScriptSpec{Language: "lua", Source: "return 1"}},
	}})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodePlanInvalid, schema.CodeOf(err))
}

func TestValidatePlan_BadTimeoutFormat(t *testing.T) {
	v := newValidator(t)
	err := v.ValidatePlan(&schema.Plan{Steps: []schema.Step{
		{ID: "review", Type: schema.StepTypeUserTask, Timeout: "soon"},
	}})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodePlanInvalid, schema.CodeOf(err))
}

func TestValidatePlan_DuplicateStepIDs(t *testing.T) {
	v := newValidator(t)
	err := v.ValidatePlan(&schema.Plan{Steps: []schema.Step{
		{ID: "work", Type: schema.StepTypeUserTask},
		{ID: "work", Type: schema.StepTypeUserTask},
	}})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodePlanInvalid, schema.CodeOf(err))
	assert.Contains(t, err.Error(), "duplicate")
}

func TestValidatePlan_DuplicateAcrossBranches(t *testing.T) {
	v := newValidator(t)
	err := v.ValidatePlan(&schema.Plan{Steps: []schema.Step{
		{ID: "work", Type: schema.StepTypeUserTask},
		{ID: "fan", Type: schema.StepTypeParallelGateway, Branches: [][]schema.Step{
			{{ID: "work", Type: schema.StepTypeUserTask}},
		}},
	}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate")
}

func TestValidatePlan_GatewayTargetOutsideSequence(t *testing.T) {
	v := newValidator(t)
	err := v.ValidatePlan(&schema.Plan{Steps: []schema.Step{
		{ID: "route", Type: schema.StepTypeExclusiveGateway,
			Condition: "true", TrueTarget: "inside-branch"},
		{ID: "fan", Type: schema.StepTypeParallelGateway, Branches: [][]schema.Step{
			{{ID: "inside-branch", Type: schema.StepTypeUserTask}},
		}},
	}})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodePlanInvalid, schema.CodeOf(err))
	assert.Contains(t, err.Error(), "not in the same sequence")
}

func TestValidatePlan_MultipleStarts(t *testing.T) {
	v := newValidator(t)
	err := v.ValidatePlan(&schema.Plan{Steps: []schema.Step{
		{ID: "s1", Type: schema.StepTypeStart},
		{ID: "s2", Type: schema.StepTypeStart},
	}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "start entries")
}

func TestValidatePlan_ViolationsListed(t *testing.T) {
	v := newValidator(t)
	err := v.ValidatePlan(&schema.Plan{Steps: []schema.Step{
		{ID: "", Type: "bogus"},
	}})
	require.Error(t, err)

	ee := schema.AsEngineError(err, "")
	require.NotNil(t, ee)
	assert.NotEmpty(t, ee.Details["violations"])
}
