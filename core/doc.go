// Package core provides the foundational domain types and capability
// interfaces shared by every mailagent component. It defines:
//
//   - InboundMessage / ThreadID (normalized mail and thread identity)
//   - ConversationState (the per-thread aggregate driven by the workflow engine)
//   - OutboundMessage / Envelope (replies produced by the report dispatcher)
//   - Collaborator interfaces (Mailbox, Mailer, Interpreter, Executor,
//     ConfirmationChannel) that keep transport, language models and browser
//     automation out of the orchestration core
//
// Implementations live in sibling packages (mail, interpret, browser, confirm);
// the interfaces here are small on purpose so tests can substitute doubles.
package core
