package core

import "errors"

var (
	// ErrTransport is returned when polling the mailbox or sending mail fails.
	ErrTransport = errors.New("mail transport failure")

	// ErrInterpretation is returned when a task description cannot be interpreted.
	ErrInterpretation = errors.New("interpretation failure")

	// ErrExecution is returned when the browser task could not be carried out.
	ErrExecution = errors.New("execution failure")

	// ErrConfirmationAbsent signals that a paused execution received no choice.
	ErrConfirmationAbsent = errors.New("confirmation not provided")

	// ErrEngine marks an unexpected failure while evaluating a transition.
	ErrEngine = errors.New("workflow engine failure")
)
