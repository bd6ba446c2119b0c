package terminal

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/kandev/agentgw/internal/approval"
)

func TestParseApprovalReply(t *testing.T) {
	cases := map[string]approval.Result{
		"y":       approval.Approved,
		"Y":       approval.Approved,
		"yes":     approval.Approved,
		" Yes  ":  approval.Approved,
		"approve": approval.Approved,
		"n":       approval.Rejected,
		"no":      approval.Rejected,
		"":        approval.Rejected,
		"maybe":   approval.Rejected,
	}
	for input, want := range cases {
		assert.Equal(t, want, parseApprovalReply(input), "input=%q", input)
	}
}
