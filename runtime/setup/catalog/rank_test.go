package catalog

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTermsDropsStopwordsAndDuplicates(t *testing.T) {
	require.Equal(t, []string{"notify", "send", "email", "customer"},
		Terms("Action Type: notify\n Objective: send email to the customer. \n Required Context: email"))
}

func TestRankReturnsOnlyHits(t *testing.T) {
	tools := []Tool{
		{Name: "create_ticket", Integration: "jira", Description: "Create an issue"},
		{Name: "send_email", Integration: "gmail", Description: "Send mail"},
	}
	got := Rank(tools, "open a jira ticket", 0)
	require.Len(t, got, 1)
	require.Equal(t, "create_ticket", got[0].Name)
	require.Empty(t, Rank(tools, "", 5))
}
