// Package testutil contains builders and scripted collaborator fakes used
// across tests to reduce boilerplate when constructing inbound messages and
// driving the workflow engine. They are not intended for production usage.
package testutil
