package sop

import (
	"testing"

	"github.com/relaymesh/reactor/internal/plan"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
- intent: account_balance
  required_slots: ["customer_no"]
  preconditions:
    - id: "kyc"
      agent: "kyc_agent"
  extractors:
    - slot: "customer_no"
      from: "account_agent"
      path: "data.customer_no"
      priority: 1
`

func TestLoadBytesParsesDefinitions(t *testing.T) {
	reg, err := LoadBytes([]byte(sampleYAML))
	require.NoError(t, err)

	def, ok := reg.Lookup("account_balance")
	require.True(t, ok)
	assert.Equal(t, []string{"customer_no"}, def.RequiredSlots)
	require.Len(t, def.Preconditions, 1)
	assert.Equal(t, "kyc_agent", def.Preconditions[0].Agent)
}

func TestExtractSlotsFillsFromMatchingAgentOutput(t *testing.T) {
	reg, err := LoadBytes([]byte(sampleYAML))
	require.NoError(t, err)
	def, _ := reg.Lookup("account_balance")

	state := plan.NewExecutionState(nil)
	state.PutResult("E1", plan.StepResult{ID: "E1", Output: map[string]interface{}{
		"data": map[string]interface{}{"customer_no": "CN-9"},
	}}, plan.Meta{Agent: "account_agent"})

	slots := ExtractSlots(def, state, nil)
	assert.Equal(t, "CN-9", slots["customer_no"])
}

func TestExtractSlotsSkipsAlreadySetSlot(t *testing.T) {
	reg, _ := LoadBytes([]byte(sampleYAML))
	def, _ := reg.Lookup("account_balance")

	state := plan.NewExecutionState(nil)
	slots := ExtractSlots(def, state, map[string]interface{}{"customer_no": "preset"})
	assert.Equal(t, "preset", slots["customer_no"])
}

func TestRequiredStepsBuildsPreconditionAndAskUserSteps(t *testing.T) {
	reg, _ := LoadBytes([]byte(sampleYAML))
	def, _ := reg.Lookup("account_balance")

	state := plan.NewExecutionState(nil)
	steps := RequiredSteps(def, state, map[string]interface{}{})
	require.Len(t, steps, 2)
	assert.Equal(t, "PC_kyc", steps[0].ID)
	assert.Equal(t, plan.TagSerialCallAgent, steps[0].Tag)
	assert.Equal(t, "ASK_customer_no", steps[1].ID)
}

func TestRequiredStepsOmitsSatisfiedPreconditionsAndSlots(t *testing.T) {
	reg, _ := LoadBytes([]byte(sampleYAML))
	def, _ := reg.Lookup("account_balance")

	state := plan.NewExecutionState(nil)
	state.PutResult("E1", plan.StepResult{ID: "E1"}, plan.Meta{Agent: "kyc_agent"})

	steps := RequiredSteps(def, state, map[string]interface{}{"customer_no": "CN-1"})
	assert.Empty(t, steps)
}
