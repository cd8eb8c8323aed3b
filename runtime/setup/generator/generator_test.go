package generator

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestUserInputError(t *testing.T) {
	err := fmt.Errorf("match node n1: %w", NeedsInput("Which CRM?"))
	require.ErrorIs(t, err, ErrUserInputRequired)
	uie, ok := AsUserInput(err)
	require.True(t, ok)
	require.Equal(t, "Which CRM?", uie.Question)
	require.Equal(t, "match node n1: user input required: Which CRM?", err.Error())

	_, ok = AsUserInput(errors.New("other"))
	require.False(t, ok)
}
