package report

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDeriveKey(t *testing.T) {
	in := Input{DOB: "1990-01-01", Place: "Pune"}

	a := DeriveKey(1, TypeYearAnalysis, in, "")
	b := DeriveKey(1, TypeYearAnalysis, Input{DOB: " 1990-01-01 ", Place: "PUNE "}, "")
	assert.Equal(t, a, b, "normalized input yields the same key")
	assert.True(t, strings.HasPrefix(a, "d:"))

	assert.NotEqual(t, a, DeriveKey(2, TypeYearAnalysis, in, ""), "user scoped")
	assert.NotEqual(t, a, DeriveKey(1, TypeFullLife, in, ""), "type scoped")

	assert.Equal(t, "u1:attempt-1", DeriveKey(1, TypeYearAnalysis, in, "attempt-1"))
	assert.NotEqual(t, DeriveKey(1, TypeYearAnalysis, in, "attempt-1"), DeriveKey(1, TypeYearAnalysis, in, "attempt-2"))
}

func TestValidateInput(t *testing.T) {
	lat := 91.0
	cases := []struct {
		name string
		typ  Type
		in   Input
		ok   bool
	}{
		{"valid", TypeYearAnalysis, Input{DOB: "1990-01-01"}, true},
		{"unknown type", Type("tarot"), Input{DOB: "1990-01-01"}, false},
		{"bad dob", TypeYearAnalysis, Input{DOB: "01/01/1990"}, false},
		{"future dob", TypeYearAnalysis, Input{DOB: "2999-01-01"}, false},
		{"bad tob", TypeYearAnalysis, Input{DOB: "1990-01-01", TOB: "25:00"}, false},
		{"bad latitude", TypeYearAnalysis, Input{DOB: "1990-01-01", Latitude: &lat}, false},
		{"decision without question", TypeDecisionSupport, Input{DOB: "1990-01-01"}, false},
		{"decision with question", TypeDecisionSupport, Input{DOB: "1990-01-01", Question: "Should I move?"}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateInput(tc.typ, tc.in)
			if tc.ok {
				assert.NoError(t, err)
				return
			}
			assert.True(t, errors.Is(err, ErrInvalidInput), "got %v", err)
		})
	}
}
