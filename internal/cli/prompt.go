package cli

import (
	"fmt"

	"github.com/AlecAivazis/survey/v2"
)

func askConfirm(msg string) (bool, error) {
	var proceed bool
	prompt := &survey.Confirm{
		Message: msg,
		Default: false,
	}
	if err := survey.AskOne(prompt, &proceed); err != nil {
		return false, fmt.Errorf("survey failed: %w", err)
	}
	return proceed, nil
}
