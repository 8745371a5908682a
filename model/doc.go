// Package model defines the provider-agnostic abstraction used to talk to
// language models inside mailagent.
//
// Core goals:
//   - Unify streaming and non-streaming generation behind a single interface
//   - Keep request/response shapes minimal and transport independent
//   - Facilitate lightweight mocking for tests (MockModel)
//
// Providers (OpenAI, Anthropic) implement the Model interface from this
// package so the interpreter and the browser planner stay decoupled from
// vendor SDKs.
package model
