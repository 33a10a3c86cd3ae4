package fault

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodeGrammar(t *testing.T) {
	t.Run("SubsystemAddress", func(t *testing.T) {
		c := NewCode("2-1", FamilyForbidden)
		assert.Equal(t, Code("2-1-52"), c)
		assert.Equal(t, "2-1", c.Origin())
		assert.Equal(t, FamilyForbidden, c.Family())
	})

	t.Run("BusAddress", func(t *testing.T) {
		c := NewCode("Bus-1", FamilyTimeout)
		assert.Equal(t, Code("Bus-1-20"), c)
		assert.Equal(t, "Bus-1", c.Origin())
		assert.Equal(t, FamilyTimeout, c.Family())
	})

	t.Run("SingleDigitFamilyZeroPadded", func(t *testing.T) {
		c := NewCode("1-1", FamilySyntax)
		assert.Equal(t, Code("1-1-01"), c)
	})

	t.Run("MalformedCode", func(t *testing.T) {
		assert.Equal(t, Family(0), Code("garbage").Family())
	})
}

func TestPropagationPolicy(t *testing.T) {
	tests := []struct {
		family Family
		policy Policy
	}{
		{FamilyResourceBusy, PolicyRetry},
		{FamilyExternalService, PolicyRetry},
		{FamilyDatabase, PolicyRetry},
		{FamilyNetwork, PolicyRetry},
		{FamilyValidation, PolicyReport},
		{FamilyCorruption, PolicyReport},
		{FamilyInvalidState, PolicyReport},
		{FamilyForbidden, PolicyReport},
		{FamilyCrash, PolicyFatal},
		{FamilyOOM, PolicyFatal},
		{FamilyTimeout, PolicyReport},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.policy, tt.family.PropagationPolicy(), "family %d", tt.family)
	}
}

func TestSeverityOrdering(t *testing.T) {
	assert.True(t, SeverityHigh.Less(SeverityMedium))
	assert.True(t, SeverityMedium.Less(SeverityLow))
	assert.False(t, SeverityLow.Less(SeverityHigh))
	assert.False(t, SeverityHigh.Less(SeverityHigh))
}

func TestFaultRecord(t *testing.T) {
	t.Run("NewFaultIsOpen", func(t *testing.T) {
		f := New("1-1", FamilyCorruption, SeverityHigh, "hash mismatch on re-read")
		require.NotEmpty(t, f.FaultID)
		assert.Equal(t, Code("1-1-32"), f.Code)
		assert.Equal(t, StateOpen, f.State)
		assert.False(t, f.IsTerminal())
		assert.Zero(t, f.Attempts)
	})

	t.Run("ErrorString", func(t *testing.T) {
		f := New("2-2", FamilyForbidden, SeverityMedium, "dependency not complete")
		assert.Contains(t, f.Error(), "2-2-52")
		assert.Contains(t, f.Error(), "MEDIUM")
		assert.Contains(t, f.Error(), "dependency not complete")
	})

	t.Run("ContextChaining", func(t *testing.T) {
		f := New("5-2", FamilyForbidden, SeverityMedium, "checkout denied").
			WithContext("section_id", "3").
			WithContext("evidence_id", "E1").
			WithRemediation("wait for the section to enter EXECUTING")
		assert.Equal(t, "3", f.Context["section_id"])
		assert.Equal(t, "E1", f.Context["evidence_id"])
		assert.NotEmpty(t, f.Remediation)
	})

	t.Run("AsFaultPassthrough", func(t *testing.T) {
		f := New("2-1", FamilyInvalidState, SeverityMedium, "bad transition")
		got := AsFault(f, "Bus-1")
		assert.Same(t, f, got)
	})

	t.Run("AsFaultWrapsPlainError", func(t *testing.T) {
		got := AsFault(errors.New("boom"), "3-1")
		require.NotNil(t, got)
		assert.Equal(t, Code("3-1-30"), got.Code)
		assert.Equal(t, "boom", got.Message)
	})

	t.Run("AsFaultNil", func(t *testing.T) {
		assert.Nil(t, AsFault(nil, "3-1"))
	})
}
